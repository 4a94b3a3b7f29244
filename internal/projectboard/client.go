package projectboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"storybridge/internal/domain"
)

const (
	clientTimeout        = 30 * time.Second
	createMaxConcurrency = 4
	maxErrorBodyBytes    = 512

	storiesPath = "/api/v3/stories"
	tokenHeader = "Shortcut-Token"
	tokenQuery  = "token"
)

type Config struct {
	APIURL   string
	APIToken string
	// TokenInQuery sends the token as a query parameter instead of a header.
	TokenInQuery bool
	ProjectID    int64
	// WorkflowStateID is the column new stories land in; zero lets the
	// project board pick its default.
	WorkflowStateID int64
	StoryType       string
}

// Client creates tickets on the project board.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.StoryType == "" {
		cfg.StoryType = string(domain.StoryTypeFeature)
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: clientTimeout},
		log:  log,
	}
}

type createStoryRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExternalID      string `json:"external_id"`
	ProjectID       int64  `json:"project_id"`
	StoryType       string `json:"story_type"`
	WorkflowStateID int64  `json:"workflow_state_id,omitempty"`
}

// CreateStories creates a ticket for every story that has no project ID yet
// and returns only the stories that succeeded, in input order, with
// ProjectID and Project populated. Failures are logged and dropped.
func (c *Client) CreateStories(ctx context.Context, stories []domain.Story) []domain.Story {
	if len(stories) == 0 {
		return nil
	}

	results := make([]*domain.Story, len(stories))

	var wg sync.WaitGroup
	semCh := make(chan struct{}, min(createMaxConcurrency, len(stories)))

	for i := range stories {
		if !stories[i].Pending() {
			c.log.WarnContext(ctx, "Skipping story that already has a project ID",
				"feedID", stories[i].FeedID,
				"projectID", *stories[i].ProjectID)

			continue
		}

		wg.Add(1)
		semCh <- struct{}{}

		go func(idx int, s domain.Story) {
			defer wg.Done()
			defer func() { <-semCh }()

			project, err := c.createStory(ctx, &s)
			if err != nil {
				c.log.ErrorContext(ctx, "Failed to create project story",
					"error", err,
					"feedID", s.FeedID,
					"title", s.Feed.Title)

				return
			}

			s.ProjectID = domain.Int64(project.ID)
			s.Project = project
			results[idx] = &s

			c.log.InfoContext(ctx, "Project story is created",
				"feedID", s.FeedID,
				"projectID", project.ID)
		}(i, stories[i])
	}

	wg.Wait()

	created := make([]domain.Story, 0, len(stories))
	for _, s := range results {
		if s != nil {
			created = append(created, *s)
		}
	}

	return created
}

// Description composes the ticket description with a back-link to the feed
// board entry.
func Description(feed domain.FeedData) string {
	desc := strings.TrimSpace(feed.Description)
	link := "Feedback story link: " + feed.CanonicalURL

	if desc == "" {
		return link
	}

	return desc + "\n\n" + link
}

func (c *Client) createStory(ctx context.Context, s *domain.Story) (domain.ProjectData, error) {
	payload := createStoryRequest{
		Name:            s.Feed.Title,
		Description:     Description(s.Feed),
		ExternalID:      s.FeedID,
		ProjectID:       c.cfg.ProjectID,
		StoryType:       c.storyType(s.Feed.Type),
		WorkflowStateID: c.cfg.WorkflowStateID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ProjectData{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+storiesPath, bytes.NewReader(body))
	if err != nil {
		return domain.ProjectData{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ProjectData{}, fmt.Errorf("%w: do request: %w", domain.ErrRemoteWrite, err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			c.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"feedID", s.FeedID,
				"operation", "createStory")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ProjectData{}, fmt.Errorf("%w: read response: %w", domain.ErrRemoteWrite, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ProjectData{}, fmt.Errorf("%w: unexpected status %d: %s",
			domain.ErrRemoteWrite, resp.StatusCode, truncate(respBody, maxErrorBodyBytes))
	}

	var project domain.ProjectData
	if err = json.Unmarshal(respBody, &project); err != nil {
		return domain.ProjectData{}, fmt.Errorf("%w: unmarshal response: %w", domain.ErrRemoteWrite, err)
	}
	if project.ID <= 0 {
		return domain.ProjectData{}, fmt.Errorf("%w: response has no story id", domain.ErrRemoteWrite)
	}

	project.Raw = json.RawMessage(respBody)

	return project, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.TokenInQuery {
		q := req.URL.Query()
		q.Set(tokenQuery, c.cfg.APIToken)
		req.URL.RawQuery = q.Encode()

		return
	}

	req.Header.Set(tokenHeader, c.cfg.APIToken)
}

func (c *Client) storyType(t domain.StoryType) string {
	if t == domain.StoryTypeBug {
		return string(domain.StoryTypeBug)
	}

	return c.cfg.StoryType
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}

	return string(b[:n]) + "..."
}
