package streaming

import (
	"context"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// ExecutionEvent is one execution state change as seen by subscribers.
type ExecutionEvent struct {
	ExecutionID string                 `json:"execution_id"`
	From        schema.ExecutionStatus `json:"from"`
	Status      schema.ExecutionStatus `json:"status"`
	Step        int                    `json:"step,omitempty"`
	Detail      map[string]any         `json:"detail,omitempty"`
	At          time.Time              `json:"at"`
}

// Filter selects the events a subscriber receives. Zero values match all.
type Filter struct {
	ExecutionID string                   `json:"execution_id,omitempty"`
	Statuses    []schema.ExecutionStatus `json:"statuses,omitempty"`
}

// Hub provides pub/sub for execution state changes.
type Hub interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan ExecutionEvent, func(), error)
}
