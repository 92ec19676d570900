package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// EventRecord is the immutable capture of a host event.
// Data and LogExtra hold the serialized payload and extras exactly as the
// host supplied them; LogExtra may carry a nested "other" map.
type EventRecord struct {
	ID        string          `json:"id"`
	EventName string          `json:"eventname"`
	Data      json.RawMessage `json:"data,omitempty"`
	LogExtra  json.RawMessage `json:"logextra,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	ContextID int64           `json:"contextid,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RestoredEvent is the decoded form of an EventRecord.
// Payload and Extras are whatever the serialized documents decoded to;
// they are not required to be objects.
type RestoredEvent struct {
	Record  *EventRecord
	Payload any
	Extras  any
}

// Restore decodes the serialized payload and extras. A document that is not
// valid JSON yields an EVENT_RESTORE_ERROR. Empty documents restore as nil.
func (r *EventRecord) Restore() (*RestoredEvent, error) {
	payload, err := decodeDocument(r.Data)
	if err != nil {
		return nil, NewErrorf(ErrCodeEventRestore, "event %s: corrupt data: %s", r.ID, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"event_id": r.ID, "field": "data"})
	}
	extras, err := decodeDocument(r.LogExtra)
	if err != nil {
		return nil, NewErrorf(ErrCodeEventRestore, "event %s: corrupt logextra: %s", r.ID, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"event_id": r.ID, "field": "logextra"})
	}
	return &RestoredEvent{Record: r, Payload: payload, Extras: extras}, nil
}

func decodeDocument(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after document")
	}
	return v, nil
}

// RetryPolicy configures how failed executions are rescheduled.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" mapstructure:"max_attempts"`
	Backoff     string `json:"backoff,omitempty" mapstructure:"backoff"`     // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty" mapstructure:"delay"`         // base delay, e.g. "30s"
	MaxDelay    string `json:"max_delay,omitempty" mapstructure:"max_delay"` // cap, e.g. "1h"
}
