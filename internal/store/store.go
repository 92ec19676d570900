package store

import (
	"context"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// Store defines the persistence port of the engine.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Step definitions, returned ordered by position.
	ReplaceSteps(ctx context.Context, workflowID string, steps []*StepDefinition) error
	ListSteps(ctx context.Context, workflowID string) ([]*StepDefinition, error)

	// Event records (immutable)
	CreateEvent(ctx context.Context, ev *schema.EventRecord) error
	GetEvent(ctx context.Context, id string) (*schema.EventRecord, error)

	// Queued executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// ClaimExecution atomically moves a due pending/retry_scheduled execution
	// to running. A lost race or an execution that is not due fails with CONFLICT.
	ClaimExecution(ctx context.Context, id, workerID string, now time.Time) (*Claim, error)
	// ClaimDue claims up to limit due executions, oldest first.
	ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*Claim, error)
	// PurgeExecutions deletes terminal executions finished before the cutoff,
	// their history, and event records no longer referenced.
	PurgeExecutions(ctx context.Context, finishedBefore time.Time) (int64, error)

	// Execution history (append-only)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, executionID string) ([]*HistoryEntry, error)

	// Field learning
	LearnFields(ctx context.Context, eventName string, fieldTypes map[string]string) error
	ListLearnedFields(ctx context.Context, eventName string) ([]*LearnedField, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func claimConflict(id string, status schema.ExecutionStatus) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q not claimable (status %s)", id, status).
		WithDetails(map[string]any{"execution_id": id, "status": string(status)})
}

func updateConflict(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q changed concurrently", id).
		WithDetails(map[string]any{"execution_id": id})
}
