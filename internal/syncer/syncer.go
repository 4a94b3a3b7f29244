// Package syncer reconciles stories between the feedback board and the
// project board.
//
// Outbound, new feedback board entries with a pushable status become
// project board tickets and get a back-link comment. Inbound, project board
// column moves are mapped to a feedback board status and written back. The
// local cache is the system of record for which entry belongs to which
// ticket.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"storybridge/internal/config"
	"storybridge/internal/domain"
)

type Store interface {
	CountStories(ctx context.Context) (int64, error)
	UpsertStories(ctx context.Context, stories []domain.Story) ([]domain.Story, error)
	FindStoryByProjectID(ctx context.Context, projectID int64) (*domain.Story, error)
	FindStories(ctx context.Context, hasProjectID bool) ([]domain.Story, error)
}

type ProjectBoard interface {
	CreateStories(ctx context.Context, stories []domain.Story) []domain.Story
}

type FeedBoard interface {
	LoadStories(ctx context.Context) ([]domain.Story, error)
	ApplyStatus(ctx context.Context, s domain.Story, status domain.FeedStatus) (domain.Story, error)
	LinkStories(ctx context.Context, stories []domain.Story) []domain.Story
}

type Syncer struct {
	store    Store
	project  ProjectBoard
	feed     FeedBoard
	columns  *config.ColumnMap
	inflight *inflightSet
	seeded   atomic.Bool
	now      func() time.Time
	log      *slog.Logger
}

func New(
	store Store,
	project ProjectBoard,
	feed FeedBoard,
	columns *config.ColumnMap,
	log *slog.Logger,
) *Syncer {
	return &Syncer{
		store:    store,
		project:  project,
		feed:     feed,
		columns:  columns,
		inflight: newInflightSet(inflightMaxEntries),
		now:      time.Now,
		log:      log,
	}
}

// Start runs the startup sequence: seed, first outbound sync, catch-up.
// A failed outbound sync does not prevent the catch-up.
func (s *Syncer) Start(ctx context.Context) error {
	if _, err := s.Seed(ctx); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	if err := s.SyncOutbound(ctx); err != nil {
		s.log.ErrorContext(ctx, "Failed to run initial outbound sync",
			"error", err)
	}

	if err := s.CatchUp(ctx); err != nil {
		return fmt.Errorf("catch up: %w", err)
	}

	return nil
}

// Seed stores every current feedback board entry with the seed sentinel
// when the cache is empty, so entries that predate the integration are
// never pushed. It reports whether seeding happened.
func (s *Syncer) Seed(ctx context.Context) (bool, error) {
	count, err := s.store.CountStories(ctx)
	if err != nil {
		return false, fmt.Errorf("count stories: %w", err)
	}

	if count > 0 {
		s.seeded.Store(true)
		s.log.InfoContext(ctx, "Cache is not empty so seeding is skipped",
			"storyCount", count)

		return false, nil
	}

	stories, err := s.feed.LoadStories(ctx)
	if err != nil {
		return false, fmt.Errorf("load feed stories: %w", err)
	}

	for i := range stories {
		stories[i].ProjectID = domain.Int64(domain.SeedProjectID)
	}

	if err = s.upsert(ctx, stories, "seed"); err != nil {
		return false, err
	}

	s.seeded.Store(true)
	s.log.InfoContext(ctx, "Cache is seeded",
		"storyCount", len(stories))

	return true, nil
}

// SyncOutbound refreshes the cache from the feedback board and pushes
// pending stories to the project board. A failing step aborts the cycle;
// the next scheduled run is the retry.
func (s *Syncer) SyncOutbound(ctx context.Context) error {
	if !s.seeded.Load() {
		// Pushing before the seed would create tickets for every old entry.
		if _, err := s.Seed(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	stories, err := s.feed.LoadStories(ctx)
	if err != nil {
		return fmt.Errorf("load feed stories: %w", err)
	}

	if err = s.upsert(ctx, stories, "refresh"); err != nil {
		return err
	}

	pending, err := s.store.FindStories(ctx, false)
	if err != nil {
		return fmt.Errorf("find pending stories: %w", err)
	}

	pending = slices.DeleteFunc(pending, func(st domain.Story) bool {
		return !st.Pending()
	})

	if len(pending) == 0 {
		s.log.DebugContext(ctx, "No stories to push",
			"feedStoryCount", len(stories))

		return nil
	}

	s.log.InfoContext(ctx, "Pushing stories to project board",
		"storyCount", len(pending))

	created := s.project.CreateStories(ctx, pending)
	if len(created) < len(pending) {
		s.log.WarnContext(ctx, "Some stories were not created",
			"pendingCount", len(pending),
			"createdCount", len(created))
	}

	if len(created) == 0 {
		return nil
	}

	linked := s.feed.LinkStories(ctx, created)

	if _, err = s.store.UpsertStories(ctx, linked); err != nil {
		s.log.ErrorContext(ctx, "Failed to persist created stories",
			"error", err,
			"feedIDs", feedIDs(linked),
			"projectIDs", projectIDs(linked))

		return fmt.Errorf("upsert created stories: %w", err)
	}

	s.log.InfoContext(ctx, "Outbound sync is done",
		"feedStoryCount", len(stories),
		"createdCount", len(created))

	return nil
}

// HandleChange applies a project board column move to the feedback board.
// Events that are not column moves, reference untracked stories or map to
// no status are ignored. It never fails; errors are logged.
func (s *Syncer) HandleChange(ctx context.Context, event domain.ChangeEvent) {
	workflowStateID, ok := event.NewWorkflowStateID()
	if !ok {
		s.log.DebugContext(ctx, "Ignoring event without column change",
			"projectID", event.PrimaryID)

		return
	}

	story, err := s.store.FindStoryByProjectID(ctx, event.PrimaryID)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to find story",
			"error", err,
			"projectID", event.PrimaryID)

		return
	}
	if story == nil {
		s.log.DebugContext(ctx, "Ignoring event for untracked story",
			"projectID", event.PrimaryID)

		return
	}

	columnMoved := story.Project.WorkflowStateID != workflowStateID
	story.Project.WorkflowStateID = workflowStateID

	status, ok := s.columns.FeedStatus(workflowStateID)
	if !ok || status == story.Feed.Status {
		if !ok {
			s.log.DebugContext(ctx, "Column has no feed status mapping",
				"projectID", event.PrimaryID,
				"workflowStateID", workflowStateID)
		} else {
			s.log.InfoContext(ctx, "Story status doesn't need to be updated",
				"projectID", event.PrimaryID,
				"feedID", story.FeedID,
				"title", story.Project.Name,
				"status", status)
		}

		if columnMoved {
			s.persist(ctx, *story)
		}

		return
	}

	key := fmt.Sprintf("%d:%s", event.PrimaryID, status)
	now := s.now()
	if !s.inflight.acquire(key, now.Add(inflightTTL), now) {
		s.log.InfoContext(ctx, "Status update is already running",
			"projectID", event.PrimaryID,
			"feedID", story.FeedID,
			"status", status)

		return
	}
	defer s.inflight.release(key)

	updated, err := s.feed.ApplyStatus(ctx, *story, status)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to update feed status",
			"error", err,
			"projectID", event.PrimaryID,
			"feedID", story.FeedID,
			"status", status)

		// The column is still recorded so the catch-up retries the write.
		if columnMoved {
			s.persist(ctx, *story)
		}

		return
	}

	s.persist(ctx, updated)
}

// CatchUp replays the last known column of every tracked story through
// HandleChange to pick up moves missed while the process was down.
func (s *Syncer) CatchUp(ctx context.Context) error {
	tracked, err := s.store.FindStories(ctx, true)
	if err != nil {
		return fmt.Errorf("find tracked stories: %w", err)
	}

	s.log.InfoContext(ctx, "Catching up project board changes",
		"storyCount", len(tracked))

	for _, st := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !st.Tracked() || st.Project.WorkflowStateID == 0 {
			continue
		}

		s.HandleChange(ctx, domain.ColumnChangeEvent(*st.ProjectID, st.Project.WorkflowStateID))
	}

	return nil
}

func (s *Syncer) persist(ctx context.Context, story domain.Story) {
	if _, err := s.store.UpsertStories(ctx, []domain.Story{story}); err != nil {
		s.log.ErrorContext(ctx, "Failed to persist story",
			"error", err,
			"feedID", story.FeedID)
	}
}

// upsert treats per-record failures as warnings and an unavailable store as
// fatal for the current operation.
func (s *Syncer) upsert(ctx context.Context, stories []domain.Story, operation string) error {
	_, err := s.store.UpsertStories(ctx, stories)
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("upsert stories (%s): %w", operation, err)
	}

	s.log.WarnContext(ctx, "Some stories were not stored",
		"error", err,
		"operation", operation)

	return nil
}

func feedIDs(stories []domain.Story) []string {
	ids := make([]string, 0, len(stories))
	for _, st := range stories {
		ids = append(ids, st.FeedID)
	}

	return ids
}

func projectIDs(stories []domain.Story) []int64 {
	ids := make([]int64, 0, len(stories))
	for _, st := range stories {
		if st.ProjectID != nil {
			ids = append(ids, *st.ProjectID)
		}
	}

	return ids
}
