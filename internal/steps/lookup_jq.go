package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/eventflow/internal/expressions"
	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

const jqLookupSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "prefix": {"type": "string"}
  },
  "required": ["query"],
  "additionalProperties": false
}`

// jqLookup runs a jq query over the namespace; every entry of the object it
// produces becomes a field. What it adds depends on the data, so it does not
// declare fields.
type jqLookup struct {
	Undeclared
	engine *expressions.GoJQEngine
	query  string
	prefix string
}

func jqLookupRegistration(engine *expressions.GoJQEngine) Registration {
	return Registration{
		Class:        "lookup.jq",
		Kind:         schema.StepTypeLookup,
		Description:  "Reshape the namespace with a jq query producing an object of new fields.",
		ConfigSchema: jqLookupSchema,
		New: func(config json.RawMessage) (Step, error) {
			var cfg struct {
				Query  string `json:"query"`
				Prefix string `json:"prefix"`
			}
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			if err := engine.Compile(cfg.Query); err != nil {
				return nil, err
			}
			return &jqLookup{engine: engine, query: cfg.Query, prefix: cfg.Prefix}, nil
		},
	}
}

func (s *jqLookup) Execute(ctx context.Context, _ *RunContext, ns fields.Namespace) (*Outcome, error) {
	v, err := s.engine.Evaluate(ctx, s.query, ns.Map())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return Proceed(nil), nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "jq query %q produced %T, want an object", s.query, v)
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[s.prefix+k] = val
	}
	return Proceed(out), nil
}
