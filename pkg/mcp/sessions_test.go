package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/pkg/schema"
)

func TestWatchRegistry(t *testing.T) {
	r := NewWatchRegistry()
	r.Watch("exec-1", "sess-a")
	r.Watch("exec-2", "sess-a")
	r.Watch("exec-3", "sess-b")

	sid, ok := r.SessionFor("exec-1")
	require.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	r.Forget("exec-1")
	_, ok = r.SessionFor("exec-1")
	assert.False(t, ok)

	r.RemoveSession("sess-a")
	assert.Equal(t, 1, r.Len())
	_, ok = r.SessionFor("exec-3")
	assert.True(t, ok)
}

type sentNotification struct {
	session string
	method  string
	params  map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func TestExecutionNotifier_NotifiesWatchingSession(t *testing.T) {
	sender := &fakeSender{}
	watches := NewWatchRegistry()
	n := NewExecutionNotifier(sender, watches, nil)

	watches.Watch("exec-1", "sess-a")
	err := n.Notify(context.Background(), engine.Transition{
		ExecutionID: "exec-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusRetryScheduled,
		Step:        2,
		Detail:      map[string]any{"attempts": 1, "status": "ignored"},
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "sess-a", sender.sent[0].session)
	assert.Equal(t, "notifications/message", sender.sent[0].method)
	assert.Equal(t, "retry_scheduled", sender.sent[0].params["status"])
	assert.Equal(t, 1, sender.sent[0].params["attempts"])
	assert.Equal(t, 1, watches.Len(), "retry keeps the watch")

	require.NoError(t, n.Notify(context.Background(), engine.Transition{
		ExecutionID: "exec-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusCompleted,
	}))
	assert.Zero(t, watches.Len(), "terminal status drops the watch")
}

func TestExecutionNotifier_IgnoresUnwatched(t *testing.T) {
	sender := &fakeSender{}
	n := NewExecutionNotifier(sender, NewWatchRegistry(), nil)
	require.NoError(t, n.Notify(context.Background(), engine.Transition{ExecutionID: "exec-9", To: schema.ExecutionStatusFailed}))
	assert.Empty(t, sender.sent)
}

func TestExecutionNotifier_ExpiredSession(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	watches := NewWatchRegistry()
	watches.Watch("exec-1", "gone")
	watches.Watch("exec-2", "gone")
	n := NewExecutionNotifier(sender, watches, nil)

	err := n.Notify(context.Background(), engine.Transition{ExecutionID: "exec-1", To: schema.ExecutionStatusRetryScheduled})
	assert.NoError(t, err)
	assert.Zero(t, watches.Len())
}

func TestExecutionNotifier_SendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("pipe closed")}
	watches := NewWatchRegistry()
	watches.Watch("exec-1", "sess-a")
	n := NewExecutionNotifier(sender, watches, nil)

	err := n.Notify(context.Background(), engine.Transition{ExecutionID: "exec-1", To: schema.ExecutionStatusRetryScheduled})
	assert.Error(t, err)
}
