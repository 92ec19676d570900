package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

func TestQueue_DispatchMatchesActiveEnabledWorkflows(t *testing.T) {
	h := newHarness(t, ExecutorConfig{})
	ctx := context.Background()

	h.seedWorkflow("wf-live", false, stepDef("test.record", `{"key":"a"}`))
	h.seedWorkflow("wf-draft", true, stepDef("test.record", `{"key":"b"}`))
	for _, wf := range []*store.Workflow{
		{ID: "wf-inactive", Name: "inactive", EventName: "login", Enabled: true},
		{ID: "wf-disabled", Name: "disabled", EventName: "login", Active: true},
		{ID: "wf-other", Name: "other", EventName: "logout", Enabled: true, Active: true},
	} {
		require.NoError(t, h.store.CreateWorkflow(ctx, wf))
	}

	ev := &schema.EventRecord{EventName: "login", Data: json.RawMessage(`{"username":"ann"}`)}
	queued, err := h.queue.Dispatch(ctx, ev)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.NotEmpty(t, ev.ID, "dispatch assigns an event id")

	byWorkflow := map[string]*store.Execution{}
	for _, exec := range queued {
		byWorkflow[exec.WorkflowID] = exec
		assert.Equal(t, schema.ExecutionStatusPending, exec.Status)
		assert.Equal(t, ev.ID, exec.EventID)
		assert.Zero(t, exec.Attempts)
		assert.Zero(t, exec.LastCompletedStep)
	}
	assert.False(t, byWorkflow["wf-live"].Draft)
	assert.True(t, byWorkflow["wf-draft"].Draft)

	stored, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"ann"}`, string(stored.Data))

	assert.Equal(t, []string{schema.HistoryExecutionQueued}, h.historyTypes(byWorkflow["wf-live"].ID))
}

func TestQueue_EnqueueSkipsNonMatching(t *testing.T) {
	h := newHarness(t, ExecutorConfig{})
	wf := &store.Workflow{ID: "wf-1", EventName: "login", Enabled: true, Active: false}

	exec, err := h.queue.Enqueue(context.Background(), wf, &schema.EventRecord{ID: "ev-1", EventName: "login"})
	require.NoError(t, err)
	assert.Nil(t, exec)

	wf.Active = true
	exec, err = h.queue.Enqueue(context.Background(), wf, &schema.EventRecord{ID: "ev-1", EventName: "logout"})
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestQueue_DispatchRequiresEventName(t *testing.T) {
	h := newHarness(t, ExecutorConfig{})
	_, err := h.queue.Dispatch(context.Background(), &schema.EventRecord{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = h.queue.Enqueue(context.Background(), nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestQueue_DispatchWithoutWorkflowsStoresEvent(t *testing.T) {
	h := newHarness(t, ExecutorConfig{})
	ev := &schema.EventRecord{ID: "ev-1", EventName: "nobody_listens"}
	queued, err := h.queue.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, queued)

	_, err = h.store.GetEvent(context.Background(), "ev-1")
	assert.NoError(t, err)
}
