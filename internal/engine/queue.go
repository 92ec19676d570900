package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/eventflow/internal/logging"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// Queue turns host events into pending executions.
type Queue struct {
	store  store.Store
	fsm    *ExecutionFSM
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a Queue writing to s.
func NewQueue(s store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, fsm: NewExecutionFSM(s), logger: logger, now: time.Now}
}

// Enqueue creates a PENDING execution of wf for the stored event ev.
// It returns nil without error when wf is not active, not enabled or
// bound to another event name. Draft workflows enqueue draft executions.
func (q *Queue) Enqueue(ctx context.Context, wf *store.Workflow, ev *schema.EventRecord) (*store.Execution, error) {
	if wf == nil || ev == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow and event are required")
	}
	if !wf.Matches(ev.EventName) {
		return nil, nil
	}

	now := q.now().UTC()
	exec := &store.Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		EventID:    ev.ID,
		Status:     schema.ExecutionStatusPending,
		Draft:      wf.Draft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("enqueue workflow %s: %w", wf.ID, err)
	}

	ctx = logging.WithExecution(ctx, exec.ID, wf.ID)
	if err := q.fsm.Record(ctx, exec.ID, schema.HistoryExecutionQueued, 0, map[string]any{
		"event_id":   ev.ID,
		"event_name": ev.EventName,
		"draft":      exec.Draft,
	}); err != nil {
		logging.LogWith(ctx, q.logger).Warn("record queued history", slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, q.logger).Debug("execution queued", slog.String("event_id", ev.ID), slog.Bool("draft", exec.Draft))
	return exec, nil
}

// Dispatch persists ev and enqueues one execution per matching workflow.
// Missing id and timestamp are filled in.
func (q *Queue) Dispatch(ctx context.Context, ev *schema.EventRecord) ([]*store.Execution, error) {
	if ev == nil || ev.EventName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.now().UTC()
	}
	if err := q.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	workflows, err := q.store.ListWorkflows(ctx, store.WorkflowFilter{EventName: ev.EventName, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var queued []*store.Execution
	for _, wf := range workflows {
		exec, err := q.Enqueue(ctx, wf, ev)
		if err != nil {
			return queued, err
		}
		if exec != nil {
			queued = append(queued, exec)
		}
	}
	q.logger.Info("event dispatched",
		slog.String("event_id", ev.ID),
		slog.String("event_name", ev.EventName),
		slog.Int("queued", len(queued)))
	return queued, nil
}
