package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/pkg/schema"
)

// Sender delivers a notification to one MCP session.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ExecutionNotifier pushes execution outcomes to the session that
// triggered them.
type ExecutionNotifier struct {
	sender  Sender
	watches *WatchRegistry
	logger  *slog.Logger
}

// NewExecutionNotifier creates a notifier that sends through the MCP server.
func NewExecutionNotifier(sender Sender, watches *WatchRegistry, logger *slog.Logger) *ExecutionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionNotifier{sender: sender, watches: watches, logger: logger}
}

// Attach registers the notifier on every transition out of running.
func (n *ExecutionNotifier) Attach(fsm *engine.ExecutionFSM) {
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusRetryScheduled,
	} {
		fsm.OnAfter(schema.ExecutionStatusRunning, to, n.Notify)
	}
}

// Notify sends the transition to the watching session. Best-effort:
// returns nil if nobody watches or the session is gone.
func (n *ExecutionNotifier) Notify(_ context.Context, t engine.Transition) error {
	sessionID, ok := n.watches.SessionFor(t.ExecutionID)
	if !ok {
		return nil
	}
	if t.To.Terminal() {
		n.watches.Forget(t.ExecutionID)
	}

	payload := map[string]any{
		"execution_id": t.ExecutionID,
		"from":         string(t.From),
		"status":       string(t.To),
		"step":         t.Step,
	}
	for k, v := range t.Detail {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.watches.RemoveSession(sessionID)
		return nil
	}
	if err != nil {
		n.logger.Warn("execution notification failed",
			slog.String("execution_id", t.ExecutionID),
			slog.String("error", err.Error()))
	}
	return err
}
