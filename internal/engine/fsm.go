package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// HistoryAppender is the subset of store.Store the FSM needs to record transitions.
type HistoryAppender interface {
	AppendHistory(ctx context.Context, entry *store.HistoryEntry) error
}

// TransitionHook is called before or after a state transition.
// Before hooks can reject a transition by returning an error.
type TransitionHook func(ctx context.Context, t Transition) error

// Transition describes one execution state change.
type Transition struct {
	ExecutionID string
	From        schema.ExecutionStatus
	To          schema.ExecutionStatus
	// Entry overrides the history entry type derived from To.
	Entry  string
	Step   int
	Detail map[string]any
}

// ValidExecutionTransitions defines the allowed execution state transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:        {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRetryScheduled: {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusRetryScheduled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// transitionEntries maps target states to their default history entry type.
var transitionEntries = map[schema.ExecutionStatus]string{
	schema.ExecutionStatusRunning:        schema.HistoryExecutionClaimed,
	schema.ExecutionStatusCompleted:      schema.HistoryExecutionCompleted,
	schema.ExecutionStatusFailed:         schema.HistoryExecutionFailed,
	schema.ExecutionStatusRetryScheduled: schema.HistoryExecutionRetrying,
}

type transitionKey struct {
	from schema.ExecutionStatus
	to   schema.ExecutionStatus
}

// ExecutionFSM validates execution state transitions and records each
// one in the execution history after the caller has persisted it.
type ExecutionFSM struct {
	appender    HistoryAppender
	now         func() time.Time
	mu          sync.RWMutex
	beforeHooks map[transitionKey][]TransitionHook
	afterHooks  map[transitionKey][]TransitionHook
}

// NewExecutionFSM creates an execution state machine that appends to the given history.
func NewExecutionFSM(appender HistoryAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender:    appender,
		now:         time.Now,
		beforeHooks: make(map[transitionKey][]TransitionHook),
		afterHooks:  make(map[transitionKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the transition is persisted.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.beforeHooks[key] = append(f.beforeHooks[key], hook)
}

// OnAfter registers a hook called after the transition is recorded.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.afterHooks[key] = append(f.afterHooks[key], hook)
}

// Validate returns INVALID_TRANSITION when from -> to is not allowed.
func (f *ExecutionFSM) Validate(from, to schema.ExecutionStatus) error {
	if !isValidTransition(ValidExecutionTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to)
	}
	return nil
}

// Transition validates t, runs before hooks, calls persist, appends the
// history entry, then runs after hooks. A nil persist records only.
// Nothing is appended when persist fails.
func (f *ExecutionFSM) Transition(ctx context.Context, t Transition, persist func() error) error {
	if err := f.Validate(t.From, t.To); err != nil {
		return err
	}

	key := transitionKey{t.From, t.To}
	f.mu.RLock()
	before := f.beforeHooks[key]
	after := f.afterHooks[key]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, t); err != nil {
			return fmt.Errorf("before hook %s -> %s: %w", t.From, t.To, err)
		}
	}

	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	entryType := t.Entry
	if entryType == "" {
		entryType = transitionEntries[t.To]
	}
	if err := f.record(ctx, t.ExecutionID, entryType, t.Step, t.transitionPayload()); err != nil {
		return err
	}

	for _, hook := range after {
		_ = hook(ctx, t)
	}
	return nil
}

// Record appends a history entry that is not a state change, such as a
// step outcome.
func (f *ExecutionFSM) Record(ctx context.Context, executionID, entryType string, step int, detail map[string]any) error {
	return f.record(ctx, executionID, entryType, step, detail)
}

func (f *ExecutionFSM) record(ctx context.Context, executionID, entryType string, step int, detail map[string]any) error {
	var payload json.RawMessage
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal history payload: %w", err)
		}
		payload = data
	}
	entry := &store.HistoryEntry{
		ExecutionID: executionID,
		Type:        entryType,
		Step:        step,
		Payload:     payload,
		Timestamp:   f.now().UTC(),
	}
	if err := f.appender.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("append %s history: %w", entryType, err)
	}
	return nil
}

func (t Transition) transitionPayload() map[string]any {
	out := map[string]any{"from": string(t.From), "to": string(t.To)}
	for k, v := range t.Detail {
		out[k] = v
	}
	return out
}

func isValidTransition(table map[schema.ExecutionStatus][]schema.ExecutionStatus, from, to schema.ExecutionStatus) bool {
	targets, ok := table[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
