package syncer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"storybridge/internal/config"
	"storybridge/internal/domain"
	"storybridge/internal/syncer"
)

const (
	columnGrooming      int64 = 500000008
	columnInDevelopment int64 = 500000006
	columnDeployed      int64 = 500000011
	columnArchived      int64 = 999
)

// memStore mirrors the upsert semantics of the sqlite store.
type memStore struct {
	mu       sync.Mutex
	stories  map[string]domain.Story
	pushable []domain.FeedStatus
	upserts  int
	closed   bool
}

func newMemStore(stories ...domain.Story) *memStore {
	m := &memStore{
		stories:  make(map[string]domain.Story),
		pushable: []domain.FeedStatus{domain.FeedStatusPlanned, domain.FeedStatusInProgress},
	}
	for _, s := range stories {
		m.stories[s.FeedID] = s
	}

	return m
}

func (m *memStore) CountStories(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, domain.ErrStoreUnavailable
	}

	return int64(len(m.stories)), nil
}

func (m *memStore) UpsertStories(_ context.Context, stories []domain.Story) ([]domain.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	m.upserts++
	for _, s := range stories {
		if old, ok := m.stories[s.FeedID]; ok {
			if s.ProjectID == nil {
				s.ProjectID = old.ProjectID
			}
			if s.Project.ID == 0 {
				s.Project = old.Project
			}
			if s.Feed.TrueURL == "" {
				s.Feed.TrueURL = old.Feed.TrueURL
			}
		}
		m.stories[s.FeedID] = s
	}

	return stories, nil
}

func (m *memStore) FindStoryByProjectID(_ context.Context, projectID int64) (*domain.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	for _, s := range m.stories {
		if s.Tracked() && *s.ProjectID == projectID {
			return &s, nil
		}
	}

	return nil, nil
}

func (m *memStore) FindStories(_ context.Context, hasProjectID bool) ([]domain.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrStoreUnavailable
	}

	var out []domain.Story
	for _, s := range m.stories {
		if hasProjectID && s.Tracked() {
			out = append(out, s)
		}
		if !hasProjectID && s.Pending() {
			for _, p := range m.pushable {
				if s.Feed.Status == p {
					out = append(out, s)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })

	return out, nil
}

func (m *memStore) get(feedID string) domain.Story {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stories[feedID]
}

type fakeProjectBoard struct {
	mu      sync.Mutex
	calls   [][]domain.Story
	failFor map[string]bool
	nextID  int64
}

func (f *fakeProjectBoard) CreateStories(_ context.Context, stories []domain.Story) []domain.Story {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, stories)

	var created []domain.Story
	for _, s := range stories {
		if f.failFor[s.FeedID] {
			continue
		}

		f.nextID++
		id := 100 + f.nextID
		s.ProjectID = domain.Int64(id)
		s.Project = domain.ProjectData{
			ID:              id,
			Name:            s.Feed.Title,
			AppURL:          "https://app.example/story/" + s.FeedID,
			WorkflowStateID: columnGrooming,
		}
		created = append(created, s)
	}

	return created
}

func (f *fakeProjectBoard) submitted() []domain.Story {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []domain.Story
	for _, c := range f.calls {
		all = append(all, c...)
	}

	return all
}

type statusCall struct {
	feedID string
	status domain.FeedStatus
}

type fakeFeedBoard struct {
	mu          sync.Mutex
	stories     []domain.Story
	loadErr     error
	applyErr    error
	loads       int
	statusCalls []statusCall
	linked      []string
}

func (f *fakeFeedBoard) LoadStories(context.Context) ([]domain.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}

	out := make([]domain.Story, len(f.stories))
	copy(out, f.stories)

	return out, nil
}

func (f *fakeFeedBoard) ApplyStatus(_ context.Context, s domain.Story, status domain.FeedStatus) (domain.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls = append(f.statusCalls, statusCall{feedID: s.FeedID, status: status})
	if f.applyErr != nil {
		return s, f.applyErr
	}

	s.Feed.Status = status
	s.Feed.TrueURL = "https://feed.example/true/" + s.FeedID

	return s, nil
}

func (f *fakeFeedBoard) LinkStories(_ context.Context, stories []domain.Story) []domain.Story {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range stories {
		f.linked = append(f.linked, stories[i].FeedID)
		stories[i].Feed.TrueURL = "https://feed.example/true/" + stories[i].FeedID
	}

	return stories
}

func (f *fakeFeedBoard) calls() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]statusCall(nil), f.statusCalls...)
}

func newColumns(t *testing.T) *config.ColumnMap {
	t.Helper()

	columns, err := config.NewColumnMap(
		map[string]int64{
			"grooming":       columnGrooming,
			"in_development": columnInDevelopment,
			"deployed":       columnDeployed,
			"archived":       columnArchived,
		},
		map[string]string{
			"grooming":       "planned",
			"in_development": "in_progress",
			"deployed":       "complete",
		},
	)
	if err != nil {
		t.Fatalf("build column map: %v", err)
	}

	return columns
}

func newSyncer(t *testing.T, store *memStore, project *fakeProjectBoard, feed *fakeFeedBoard) *syncer.Syncer {
	t.Helper()

	return syncer.New(store, project, feed, newColumns(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func feedStory(feedID string, status domain.FeedStatus) domain.Story {
	return domain.Story{
		FeedID: feedID,
		Feed: domain.FeedData{
			Status:       status,
			Title:        "Story " + feedID,
			Description:  "Description " + feedID,
			Type:         domain.StoryTypeFeature,
			CanonicalURL: "https://feed.example/posts/" + feedID,
		},
	}
}

func trackedStory(feedID string, projectID int64, status domain.FeedStatus, column int64) domain.Story {
	s := feedStory(feedID, status)
	s.ProjectID = domain.Int64(projectID)
	s.Project = domain.ProjectData{ID: projectID, Name: s.Feed.Title, WorkflowStateID: column}

	return s
}

func TestSeedMarksEveryStoryAsExcluded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{stories: []domain.Story{
		feedStory("1", domain.FeedStatusPlanned),
		feedStory("2", domain.FeedStatusPlanned),
		feedStory("3", domain.FeedStatusPlanned),
	}}
	s := newSyncer(t, store, project, feed)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []string{"1", "2", "3"} {
		got := store.get(id)
		if got.ProjectID == nil || *got.ProjectID != domain.SeedProjectID {
			t.Fatalf("story %s must carry the seed sentinel, got %v", id, got.ProjectID)
		}
	}

	if len(project.submitted()) != 0 {
		t.Fatalf("no story may be pushed after seeding, got %d", len(project.submitted()))
	}
}

func TestSeedSkippedWhenCacheHasStories(t *testing.T) {
	store := newMemStore(feedStory("old", domain.FeedStatusComplete))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	seeded, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seeded {
		t.Fatalf("seed must not run on a non-empty cache")
	}
	if feed.loads != 0 {
		t.Fatalf("feed board must not be loaded, got %d loads", feed.loads)
	}
}

func TestSyncOutboundPushesPendingStory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(feedStory("1", domain.FeedStatusInProgress))
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{stories: []domain.Story{feedStory("1", domain.FeedStatusInProgress)}}
	s := newSyncer(t, store, project, feed)

	if _, err := s.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.SyncOutbound(ctx); err != nil {
		t.Fatalf("sync outbound: %v", err)
	}

	got := store.get("1")
	if got.ProjectID == nil || *got.ProjectID != 101 {
		t.Fatalf("expected project ID 101, got %v", got.ProjectID)
	}
	if got.Project.AppURL != "https://app.example/story/1" {
		t.Fatalf("expected project snapshot, got %+v", got.Project)
	}
	if got.Feed.TrueURL == "" {
		t.Fatalf("expected true URL from linking to be persisted")
	}
	if len(feed.linked) != 1 || feed.linked[0] != "1" {
		t.Fatalf("expected a back-link for story 1, got %v", feed.linked)
	}

	// A second cycle must not push the story again.
	if err := s.SyncOutbound(ctx); err != nil {
		t.Fatalf("second sync outbound: %v", err)
	}
	if n := len(project.submitted()); n != 1 {
		t.Fatalf("expected exactly one push, got %d", n)
	}
}

func TestSyncOutboundNeverPushesSeededStories(t *testing.T) {
	ctx := context.Background()

	seeded := feedStory("seeded", domain.FeedStatusInProgress)
	seeded.ProjectID = domain.Int64(domain.SeedProjectID)

	store := newMemStore(seeded, trackedStory("tracked", 7, domain.FeedStatusPlanned, columnGrooming))
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{stories: []domain.Story{
		feedStory("seeded", domain.FeedStatusPlanned),
		feedStory("tracked", domain.FeedStatusInProgress),
		feedStory("new", domain.FeedStatusPlanned),
		feedStory("done", domain.FeedStatusComplete),
	}}
	s := newSyncer(t, store, project, feed)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	submitted := project.submitted()
	if len(submitted) != 1 || submitted[0].FeedID != "new" {
		t.Fatalf("expected only the new pushable story to be submitted, got %+v", submitted)
	}
	for _, st := range submitted {
		if st.ProjectID != nil {
			t.Fatalf("story %s submitted with project ID %d", st.FeedID, *st.ProjectID)
		}
	}

	if got := store.get("seeded"); got.ProjectID == nil || *got.ProjectID != domain.SeedProjectID {
		t.Fatalf("seed sentinel must survive a refresh, got %v", got.ProjectID)
	}
	if got := store.get("done"); got.ProjectID != nil {
		t.Fatalf("non-pushable story must stay pending, got %v", got.ProjectID)
	}
}

func TestSyncOutboundIsolatesFailedCreates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(feedStory("existing", domain.FeedStatusComplete))
	project := &fakeProjectBoard{failFor: map[string]bool{"B": true}}
	feed := &fakeFeedBoard{stories: []domain.Story{
		feedStory("A", domain.FeedStatusPlanned),
		feedStory("B", domain.FeedStatusPlanned),
		feedStory("C", domain.FeedStatusPlanned),
	}}
	s := newSyncer(t, store, project, feed)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []string{"A", "C"} {
		if got := store.get(id); !got.Tracked() {
			t.Fatalf("story %s must have a project ID, got %v", id, got.ProjectID)
		}
	}
	if got := store.get("B"); got.ProjectID != nil {
		t.Fatalf("failed story B must stay pending, got %v", got.ProjectID)
	}

	// B is retried on the next cycle.
	project.failFor = nil
	if err := s.SyncOutbound(ctx); err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if got := store.get("B"); !got.Tracked() {
		t.Fatalf("story B must be pushed on retry")
	}
}

func TestSyncOutboundAbortsWhenLoadFails(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(feedStory("1", domain.FeedStatusPlanned))
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{loadErr: domain.ErrRemoteFetch}
	s := newSyncer(t, store, project, feed)

	err := s.SyncOutbound(ctx)
	if !errors.Is(err, domain.ErrRemoteFetch) {
		t.Fatalf("expected ErrRemoteFetch, got %v", err)
	}
	if len(project.submitted()) != 0 {
		t.Fatalf("nothing may be pushed when the load fails")
	}
}

func TestSyncOutboundSeedsFirstWhenStartupSeedFailed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{loadErr: domain.ErrRemoteFetch}
	s := newSyncer(t, store, project, feed)

	if err := s.Start(ctx); err == nil {
		t.Fatalf("expected start to fail while the feed board is down")
	}

	feed.loadErr = nil
	feed.stories = []domain.Story{feedStory("1", domain.FeedStatusPlanned)}

	if err := s.SyncOutbound(ctx); err != nil {
		t.Fatalf("sync outbound: %v", err)
	}

	if len(project.submitted()) != 0 {
		t.Fatalf("old stories must be seeded, not pushed")
	}
	if got := store.get("1"); got.ProjectID == nil || *got.ProjectID != domain.SeedProjectID {
		t.Fatalf("expected seed sentinel, got %v", got.ProjectID)
	}
}

func TestSyncOutboundStoreUnavailable(t *testing.T) {
	store := newMemStore(feedStory("1", domain.FeedStatusPlanned))
	feed := &fakeFeedBoard{stories: []domain.Story{feedStory("1", domain.FeedStatusPlanned)}}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	if _, err := s.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store.closed = true
	if err := s.SyncOutbound(context.Background()); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestHandleChangeNoOpWhenStatusUnchanged(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusInProgress, columnGrooming))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, columnInDevelopment))

	if calls := feed.calls(); len(calls) != 0 {
		t.Fatalf("expected no status update, got %+v", calls)
	}
	if got := store.get("1"); got.Project.WorkflowStateID != columnInDevelopment {
		t.Fatalf("expected the new column to be recorded, got %d", got.Project.WorkflowStateID)
	}
}

func TestHandleChangeAppliesMappedStatus(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusInProgress, columnInDevelopment))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, columnDeployed))

	calls := feed.calls()
	if len(calls) != 1 || calls[0] != (statusCall{feedID: "1", status: domain.FeedStatusComplete}) {
		t.Fatalf("expected one complete status update, got %+v", calls)
	}

	got := store.get("1")
	if got.Feed.Status != domain.FeedStatusComplete {
		t.Fatalf("expected cached status complete, got %q", got.Feed.Status)
	}
	if got.Project.WorkflowStateID != columnDeployed {
		t.Fatalf("expected cached column %d, got %d", columnDeployed, got.Project.WorkflowStateID)
	}
	if got.Feed.TrueURL == "" {
		t.Fatalf("expected true URL to be persisted")
	}
}

func TestHandleChangeIgnoresUnmappedColumns(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusPlanned, columnGrooming))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	// archived has a name but no status; 123 is unknown altogether.
	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, columnArchived))
	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, 123))

	if calls := feed.calls(); len(calls) != 0 {
		t.Fatalf("expected no status update, got %+v", calls)
	}
}

func TestHandleChangeIgnoresNonColumnEvents(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusPlanned, columnGrooming))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ChangeEvent{
		PrimaryID: 42,
		Actions:   []domain.EventAction{{ID: 42}},
	})

	if calls := feed.calls(); len(calls) != 0 {
		t.Fatalf("expected no status update, got %+v", calls)
	}
	if store.upserts != 0 {
		t.Fatalf("expected no cache write, got %d", store.upserts)
	}
}

func TestHandleChangeIgnoresOtherEntityMoves(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusInProgress, columnInDevelopment))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ChangeEvent{
		PrimaryID: 42,
		Actions: []domain.EventAction{
			{ID: 42},
			{
				ID: 77,
				Changes: domain.EventChanges{
					WorkflowStateID: &domain.WorkflowStateChange{Old: columnInDevelopment, New: columnDeployed},
				},
			},
		},
	})

	if calls := feed.calls(); len(calls) != 0 {
		t.Fatalf("expected no status update, got %+v", calls)
	}

	got := store.get("1")
	if got.Feed.Status != domain.FeedStatusInProgress {
		t.Fatalf("expected cached status in_progress, got %q", got.Feed.Status)
	}
	if got.Project.WorkflowStateID != columnInDevelopment {
		t.Fatalf("expected cached column %d, got %d", columnInDevelopment, got.Project.WorkflowStateID)
	}
}

func TestHandleChangeIgnoresUntrackedStories(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusPlanned, columnGrooming))
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ColumnChangeEvent(77, columnDeployed))

	if calls := feed.calls(); len(calls) != 0 {
		t.Fatalf("expected no status update, got %+v", calls)
	}
}

func TestHandleChangeSurvivesApplyFailure(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusPlanned, columnGrooming))
	feed := &fakeFeedBoard{applyErr: domain.ErrRemoteWrite}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, columnDeployed))

	got := store.get("1")
	if got.Feed.Status != domain.FeedStatusPlanned {
		t.Fatalf("status must stay unchanged on failure, got %q", got.Feed.Status)
	}
	if got.Project.WorkflowStateID != columnDeployed {
		t.Fatalf("column must be recorded for the catch-up retry, got %d", got.Project.WorkflowStateID)
	}

	// The write is retried by the next event for the same story.
	feed.applyErr = nil
	s.HandleChange(context.Background(), domain.ColumnChangeEvent(42, columnDeployed))

	if got = store.get("1"); got.Feed.Status != domain.FeedStatusComplete {
		t.Fatalf("expected retry to apply the status, got %q", got.Feed.Status)
	}
}

func TestCatchUpReplaysLastKnownColumn(t *testing.T) {
	ctx := context.Background()

	seeded := feedStory("seeded", domain.FeedStatusPlanned)
	seeded.ProjectID = domain.Int64(domain.SeedProjectID)

	store := newMemStore(
		trackedStory("drifted", 1, domain.FeedStatusInProgress, columnDeployed),
		trackedStory("in-sync", 2, domain.FeedStatusPlanned, columnGrooming),
		seeded,
	)
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	if err := s.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	calls := feed.calls()
	if len(calls) != 1 || calls[0] != (statusCall{feedID: "drifted", status: domain.FeedStatusComplete}) {
		t.Fatalf("expected only the drifted story to be corrected, got %+v", calls)
	}
}

func TestHandleChangeConcurrentEvents(t *testing.T) {
	store := newMemStore(
		trackedStory("1", 1, domain.FeedStatusPlanned, columnGrooming),
		trackedStory("2", 2, domain.FeedStatusPlanned, columnGrooming),
	)
	feed := &fakeFeedBoard{}
	s := newSyncer(t, store, &fakeProjectBoard{}, feed)

	var wg sync.WaitGroup
	for _, id := range []int64{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HandleChange(context.Background(), domain.ColumnChangeEvent(id, columnDeployed))
		}()
	}
	wg.Wait()

	for _, id := range []string{"1", "2"} {
		if got := store.get(id); got.Feed.Status != domain.FeedStatusComplete {
			t.Fatalf("story %s: expected complete, got %q", id, got.Feed.Status)
		}
	}
}

func TestStartPushesBeforeCatchUp(t *testing.T) {
	store := newMemStore(trackedStory("1", 42, domain.FeedStatusPlanned, columnDeployed))
	project := &fakeProjectBoard{}
	feed := &fakeFeedBoard{stories: []domain.Story{
		feedStory("1", domain.FeedStatusPlanned),
		feedStory("2", domain.FeedStatusPlanned),
	}}
	s := newSyncer(t, store, project, feed)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if feed.loads != 1 {
		t.Fatalf("expected a single load by the outbound sync, got %d", feed.loads)
	}

	submitted := project.submitted()
	if len(submitted) != 1 || submitted[0].FeedID != "2" {
		t.Fatalf("expected story 2 to be pushed, got %+v", submitted)
	}
	if got := store.get("2"); !got.Tracked() {
		t.Fatalf("expected story 2 to be tracked after startup")
	}

	calls := feed.calls()
	if len(calls) != 1 || calls[0] != (statusCall{feedID: "1", status: domain.FeedStatusComplete}) {
		t.Fatalf("expected only the drifted story to be corrected, got %+v", calls)
	}
	if got := store.get("1"); got.Feed.Status != domain.FeedStatusComplete {
		t.Fatalf("expected story 1 to be complete, got %q", got.Feed.Status)
	}
}
