package domain

import "encoding/json"

// SeedProjectID marks a story that predates the integration and must never
// be pushed to the project board.
const SeedProjectID int64 = 0

type FeedStatus string

const (
	FeedStatusPlanned    FeedStatus = "planned"
	FeedStatusInProgress FeedStatus = "in_progress"
	FeedStatusComplete   FeedStatus = "complete"
)

type StoryType string

const (
	StoryTypeBug     StoryType = "bug"
	StoryTypeFeature StoryType = "feature"
)

type FeedData struct {
	Status       FeedStatus
	Title        string
	Description  string
	Type         StoryType
	CanonicalURL string
	// TrueURL is the redirect-resolved page URL used for follow-up writes.
	TrueURL string
}

// ProjectData is the project board's view of a ticket. Raw keeps the full
// remote payload as it was last received.
type ProjectData struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	ExternalID      string          `json:"external_id"`
	AppURL          string          `json:"app_url"`
	WorkflowStateID int64           `json:"workflow_state_id"`
	StoryType       string          `json:"story_type"`
	ProjectID       int64           `json:"project_id"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Story is the unit of synchronization, keyed by FeedID.
//
// ProjectID is nil until the story is pushed, SeedProjectID for seeded
// stories, and the remote ticket id otherwise.
type Story struct {
	FeedID    string
	ProjectID *int64
	Feed      FeedData
	Project   ProjectData
}

// Tracked reports whether the story has a real project board ticket.
func (s *Story) Tracked() bool {
	return s.ProjectID != nil && *s.ProjectID != SeedProjectID
}

// Pending reports whether the story has never been pushed nor seeded.
func (s *Story) Pending() bool {
	return s.ProjectID == nil
}

// ChangeEvent is the subset of a project board webhook payload the
// reconciliation cares about.
type ChangeEvent struct {
	PrimaryID int64         `json:"primary_id"`
	Actions   []EventAction `json:"actions"`
}

type EventAction struct {
	ID      int64        `json:"id"`
	Changes EventChanges `json:"changes"`
}

type EventChanges struct {
	WorkflowStateID *WorkflowStateChange `json:"workflow_state_id,omitempty"`
}

type WorkflowStateChange struct {
	Old int64 `json:"old,omitempty"`
	New int64 `json:"new"`
}

// NewWorkflowStateID returns the new column id carried by the event, if the
// event moved the primary story between columns. Changes made to other
// entities in the same event are ignored. Payloads without action ids fall
// back to the first action.
func (e ChangeEvent) NewWorkflowStateID() (int64, bool) {
	action, ok := e.primaryAction()
	if !ok || action.Changes.WorkflowStateID == nil {
		return 0, false
	}

	return action.Changes.WorkflowStateID.New, true
}

func (e ChangeEvent) primaryAction() (EventAction, bool) {
	if len(e.Actions) == 0 {
		return EventAction{}, false
	}

	for _, a := range e.Actions {
		if a.ID == e.PrimaryID {
			return a, true
		}
	}

	for _, a := range e.Actions {
		if a.ID != 0 {
			return EventAction{}, false
		}
	}

	return e.Actions[0], true
}

// ColumnChangeEvent builds the event a column move of a story would produce.
func ColumnChangeEvent(projectID int64, workflowStateID int64) ChangeEvent {
	return ChangeEvent{
		PrimaryID: projectID,
		Actions: []EventAction{{
			ID: projectID,
			Changes: EventChanges{
				WorkflowStateID: &WorkflowStateChange{New: workflowStateID},
			},
		}},
	}
}

func Int64(v int64) *int64 {
	return &v
}
