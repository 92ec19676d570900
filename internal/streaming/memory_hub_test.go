package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

type discardHistory struct{}

func (discardHistory) AppendHistory(context.Context, *store.HistoryEntry) error { return nil }

func receive(t *testing.T, ch <-chan ExecutionEvent) ExecutionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ExecutionEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan ExecutionEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ExecutionEvent{
		ExecutionID: "exec-1",
		From:        schema.ExecutionStatusRunning,
		Status:      schema.ExecutionStatusCompleted,
		Step:        2,
	}))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Step)
}

func TestFilterByExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-2", Status: schema.ExecutionStatusRunning}))
	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Status: schema.ExecutionStatusRunning}))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertNoEvent(t, ch)
}

func TestFilterByStatus(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	})
	require.NoError(t, err)
	defer cancel()

	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusRetryScheduled,
		schema.ExecutionStatusCompleted,
	} {
		require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "e", Status: s}))
	}

	assert.Equal(t, schema.ExecutionStatusFailed, receive(t, ch).Status)
	assert.Equal(t, schema.ExecutionStatusCompleted, receive(t, ch).Status)
	assertNoEvent(t, ch)
}

func TestCancelClosesAndRemoves(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Len())

	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "e"}))
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribeCanceledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, ExecutionEvent{}), context.Canceled)
}

func TestSlowSubscriberDropsOverflow(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "e", Step: i}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestAttachPublishesTransitions(t *testing.T) {
	hub := NewMemoryHub()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }

	fsm := engine.NewExecutionFSM(discardHistory{})
	hub.Attach(fsm)

	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, fsm.Transition(ctx, engine.Transition{
		ExecutionID: "exec-1",
		From:        schema.ExecutionStatusPending,
		To:          schema.ExecutionStatusRunning,
	}, nil))
	require.NoError(t, fsm.Transition(ctx, engine.Transition{
		ExecutionID: "exec-1",
		From:        schema.ExecutionStatusRunning,
		To:          schema.ExecutionStatusCompleted,
		Step:        3,
		Detail:      map[string]any{"filtered": true},
	}, nil))

	claimed := receive(t, ch)
	assert.Equal(t, schema.ExecutionStatusPending, claimed.From)
	assert.Equal(t, schema.ExecutionStatusRunning, claimed.Status)
	assert.Equal(t, fixed, claimed.At)

	done := receive(t, ch)
	assert.Equal(t, schema.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, 3, done.Step)
	assert.Equal(t, true, done.Detail["filtered"])
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, Filter{})
			if err == nil {
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, ExecutionEvent{ExecutionID: "e"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}
