package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// mockAppender records appended history entries for assertions.
type mockAppender struct {
	mu      sync.Mutex
	entries []*store.HistoryEntry
}

func (m *mockAppender) AppendHistory(_ context.Context, entry *store.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAppender) Entries() []*store.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.HistoryEntry, len(m.entries))
	copy(cp, m.entries)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendHistory(context.Context, *store.HistoryEntry) error {
	return errors.New("store unavailable")
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	steps := []Transition{
		{ExecutionID: "ex-1", From: schema.ExecutionStatusPending, To: schema.ExecutionStatusRunning},
		{ExecutionID: "ex-1", From: schema.ExecutionStatusRunning, To: schema.ExecutionStatusRetryScheduled},
		{ExecutionID: "ex-1", From: schema.ExecutionStatusRetryScheduled, To: schema.ExecutionStatusRunning},
		{ExecutionID: "ex-1", From: schema.ExecutionStatusRunning, To: schema.ExecutionStatusCompleted, Step: 3},
	}
	for _, tr := range steps {
		require.NoError(t, fsm.Transition(ctx, tr, nil))
	}

	entries := app.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, schema.HistoryExecutionClaimed, entries[0].Type)
	assert.Equal(t, schema.HistoryExecutionRetrying, entries[1].Type)
	assert.Equal(t, schema.HistoryExecutionClaimed, entries[2].Type)
	assert.Equal(t, schema.HistoryExecutionCompleted, entries[3].Type)
	assert.Equal(t, 3, entries[3].Step)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[3].Payload, &payload))
	assert.Equal(t, "running", payload["from"])
	assert.Equal(t, "completed", payload["to"])
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	cases := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRetryScheduled},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending},
		{"bogus", schema.ExecutionStatusRunning},
	}
	for _, tc := range cases {
		err := fsm.Transition(context.Background(), Transition{ExecutionID: "ex-1", From: tc.from, To: tc.to}, nil)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		assert.Contains(t, err.Error(), string(tc.from))
	}
	assert.Empty(t, app.Entries())
}

func TestExecutionFSM_PersistFailureRecordsNothing(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), Transition{
		ExecutionID: "ex-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusFailed,
	}, func() error { return schema.NewError(schema.ErrCodeConflict, "lost claim") })

	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Empty(t, app.Entries())
}

func TestExecutionFSM_EntryOverrideAndDetail(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), Transition{
		ExecutionID: "ex-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusRetryScheduled,
		Entry:       schema.HistoryExecutionRequeued,
		Detail:      map[string]any{"previous_worker": "w-9"},
	}, nil))

	entries := app.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, schema.HistoryExecutionRequeued, entries[0].Type)
	assert.Contains(t, string(entries[0].Payload), `"previous_worker":"w-9"`)
}

func TestExecutionFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	var order []string
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(context.Context, Transition) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(context.Context, Transition) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), Transition{
		ExecutionID: "ex-1",
		From:        schema.ExecutionStatusPending,
		To:          schema.ExecutionStatusRunning,
	}, func() error {
		order = append(order, "persist")
		return nil
	}))
	assert.Equal(t, []string{"before", "persist", "after"}, order)
}

func TestExecutionFSM_BeforeHookRejects(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, func(context.Context, Transition) error {
		return errors.New("not yet")
	})

	persisted := false
	err := fsm.Transition(context.Background(), Transition{
		ExecutionID: "ex-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusCompleted,
	}, func() error {
		persisted = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, persisted)
	assert.Empty(t, app.Entries())
}

func TestExecutionFSM_AppendFailure(t *testing.T) {
	fsm := NewExecutionFSM(failAppender{})
	err := fsm.Record(context.Background(), "ex-1", schema.HistoryStepCompleted, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}
