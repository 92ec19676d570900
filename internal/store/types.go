package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// Workflow is a named, ordered pipeline of steps bound to one host event name.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EventName   string    `json:"event_name"`
	Enabled     bool      `json:"enabled"`
	Active      bool      `json:"active"`
	Draft       bool      `json:"draft"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Matches reports whether an event named eventName should queue this workflow.
func (w *Workflow) Matches(eventName string) bool {
	return w.Active && w.Enabled && w.EventName == eventName
}

// StepDefinition is one persisted step of a workflow.
// Position is 1-based and dense within the workflow.
type StepDefinition struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Class      string          `json:"class"`
	Type       schema.StepType `json:"type"`
	Name       string          `json:"name,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Position   int             `json:"position"`
}

// Execution is one queued run of a workflow against one event occurrence.
// LastCompletedStep is the position of the last step that finished
// successfully; 0 means no step has completed yet.
type Execution struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	EventID           string                 `json:"event_id"`
	Status            schema.ExecutionStatus `json:"status"`
	Attempts          int                    `json:"attempts"`
	LastCompletedStep int                    `json:"last_completed_step"`
	Results           map[string]any         `json:"results,omitempty"`
	LastError         json.RawMessage        `json:"last_error,omitempty"`
	Draft             bool                   `json:"draft"`
	ClaimedBy         string                 `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time             `json:"claimed_at,omitempty"`
	NextRunAt         *time.Time             `json:"next_run_at,omitempty"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Due reports whether a claimable execution may run at now.
func (e *Execution) Due(now time.Time) bool {
	return e.Status.Claimable() && (e.NextRunAt == nil || !e.NextRunAt.After(now))
}

// Claim is the result of a successful compare-and-set to running.
type Claim struct {
	Execution *Execution
	From      schema.ExecutionStatus
}

// HistoryEntry is an immutable record in an execution's append-only history.
type HistoryEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"entry_type"`
	Step        int             `json:"step,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// LearnedField is a field name observed in the namespace of an event.
type LearnedField struct {
	EventName string    `json:"event_name"`
	Field     string    `json:"field"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	EventName  string `json:"event_name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Active      *bool   `json:"active,omitempty"`
	Draft       *bool   `json:"draft,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status        *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowID    string                  `json:"workflow_id,omitempty"`
	EventID       string                  `json:"event_id,omitempty"`
	ClaimedBefore *time.Time              `json:"claimed_before,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
	Offset        int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
//
// ClaimedAt renews the lease of the current claim.
//
// ExpectStatus, ExpectClaimedBy and ExpectClaimedBefore turn the update
// into a compare-and-set: when set and not matched, the update fails with
// CONFLICT.
type ExecutionUpdate struct {
	Status            *schema.ExecutionStatus `json:"status,omitempty"`
	Attempts          *int                    `json:"attempts,omitempty"`
	LastCompletedStep *int                    `json:"last_completed_step,omitempty"`
	Results           map[string]any          `json:"results,omitempty"`
	LastError         json.RawMessage         `json:"last_error,omitempty"`
	NextRunAt         *time.Time              `json:"next_run_at,omitempty"`
	FinishedAt        *time.Time              `json:"finished_at,omitempty"`
	ClaimedAt         *time.Time              `json:"claimed_at,omitempty"`
	ReleaseClaim      bool                    `json:"release_claim,omitempty"`

	ExpectStatus        *schema.ExecutionStatus `json:"expect_status,omitempty"`
	ExpectClaimedBy     string                  `json:"expect_claimed_by,omitempty"`
	ExpectClaimedBefore *time.Time              `json:"expect_claimed_before,omitempty"`
}
