package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/eventflow/internal/expressions"
	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

const conditionFilterSchema = `{
  "type": "object",
  "properties": {
    "condition": {"type": "string", "minLength": 1},
    "negate": {"type": "boolean"}
  },
  "required": ["condition"],
  "additionalProperties": false
}`

// conditionFilter halts the pipeline unless a CEL condition holds.
// The condition sees "fields" (the namespace) and "event" (record metadata).
type conditionFilter struct {
	engine    *expressions.CELEngine
	condition string
	negate    bool
}

func conditionFilterRegistration(engine *expressions.CELEngine) Registration {
	return Registration{
		Class:        "filter.condition",
		Kind:         schema.StepTypeFilter,
		Description:  "Continue only when a CEL condition over fields and event holds.",
		ConfigSchema: conditionFilterSchema,
		New: func(config json.RawMessage) (Step, error) {
			var cfg struct {
				Condition string `json:"condition"`
				Negate    bool   `json:"negate"`
			}
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			if err := engine.Compile(cfg.Condition); err != nil {
				return nil, err
			}
			return &conditionFilter{engine: engine, condition: cfg.Condition, negate: cfg.Negate}, nil
		},
	}
}

func (s *conditionFilter) Execute(ctx context.Context, run *RunContext, ns fields.Namespace) (*Outcome, error) {
	ok, err := s.engine.EvaluateBool(ctx, s.condition, map[string]any{
		"fields": ns.Map(),
		"event":  eventMeta(run),
	})
	if err != nil {
		return nil, err
	}
	if ok != s.negate {
		return Proceed(nil), nil
	}
	return Halt(), nil
}

// Filters add nothing to the namespace.
func (s *conditionFilter) Fields() ([]FieldDescriptor, error) {
	return []FieldDescriptor{}, nil
}

func eventMeta(run *RunContext) map[string]any {
	meta := map[string]any{"eventname": run.EventName()}
	if run != nil && run.Event != nil && run.Event.Record != nil {
		rec := run.Event.Record
		meta["id"] = rec.ID
		meta["origin"] = rec.Origin
		meta["contextid"] = rec.ContextID
	}
	return meta
}
