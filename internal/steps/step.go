package steps

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

// Step is one constructed pipeline step. Implementations must not mutate
// the event or the namespace they are given; results flow back through Outcome.
type Step interface {
	Execute(ctx context.Context, run *RunContext, ns fields.Namespace) (*Outcome, error)
	// Fields declares the namespace fields the step adds. Steps that do not
	// declare return ErrFieldsUnsupported.
	Fields() ([]FieldDescriptor, error)
}

// RunContext carries what a step may know about the execution driving it.
type RunContext struct {
	ExecutionID string
	WorkflowID  string
	Position    int
	Draft       bool
	Event       *schema.RestoredEvent
	Logger      *slog.Logger
}

// EventName returns the name of the triggering event, or "".
func (r *RunContext) EventName() string {
	if r == nil || r.Event == nil || r.Event.Record == nil {
		return ""
	}
	return r.Event.Record.EventName
}

// Outcome is the result of one step execution.
type Outcome struct {
	// Continue is false when a filter rejects the event.
	Continue bool
	// Fields are merged into the namespace and the accumulated results.
	Fields map[string]any
}

// Proceed returns an outcome that continues the pipeline with the given fields.
func Proceed(fields map[string]any) *Outcome {
	return &Outcome{Continue: true, Fields: fields}
}

// Halt returns an outcome that stops the pipeline without error.
func Halt() *Outcome {
	return &Outcome{Continue: false}
}

// FieldDescriptor names one field a step adds to the namespace.
type FieldDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ErrFieldsUnsupported is returned by steps that do not declare their fields.
var ErrFieldsUnsupported = errors.New("step does not declare its fields")

// Undeclared can be embedded by steps that do not declare fields.
type Undeclared struct{}

func (Undeclared) Fields() ([]FieldDescriptor, error) { return nil, ErrFieldsUnsupported }

// Constructor builds a step from its validated JSON configuration.
type Constructor func(config json.RawMessage) (Step, error)

// Registration binds a step class identifier to its constructor.
type Registration struct {
	Class        string
	Kind         schema.StepType
	Description  string
	ConfigSchema string
	New          Constructor
}

// Info is a summary of a registered step class for listing.
type Info struct {
	Class        string          `json:"class"`
	Kind         schema.StepType `json:"type"`
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

// StepFailed wraps err as a retryable STEP_EXECUTION_ERROR unless it
// already carries a code.
func StepFailed(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStepExecution, format, args...).WithCause(err)
}

// decodeConfig unmarshals a step configuration keeping numbers as json.Number.
func decodeConfig(config json.RawMessage, out any) error {
	if err := json.Unmarshal(config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfigParse, "decode configuration: %s", err.Error()).WithCause(err)
	}
	return nil
}
