package steps

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rendis/eventflow/internal/expressions"
	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

const exprLookupSchema = `{
  "type": "object",
  "properties": {
    "fields": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  },
  "required": ["fields"],
  "additionalProperties": false
}`

// exprLookup computes new fields from expr-lang expressions over the namespace.
type exprLookup struct {
	engine *expressions.ExprEngine
	names  []string
	exprs  map[string]string
}

func exprLookupRegistration(engine *expressions.ExprEngine) Registration {
	return Registration{
		Class:        "lookup.expr",
		Kind:         schema.StepTypeLookup,
		Description:  "Compute fields from expr-lang expressions over the namespace.",
		ConfigSchema: exprLookupSchema,
		New: func(config json.RawMessage) (Step, error) {
			var cfg struct {
				Fields map[string]string `json:"fields"`
			}
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			s := &exprLookup{engine: engine, exprs: cfg.Fields}
			for name, expression := range cfg.Fields {
				if err := engine.Compile(expression); err != nil {
					return nil, err
				}
				s.names = append(s.names, name)
			}
			sort.Strings(s.names)
			return s, nil
		},
	}
}

func (s *exprLookup) Execute(ctx context.Context, _ *RunContext, ns fields.Namespace) (*Outcome, error) {
	out := make(map[string]any, len(s.names))
	for _, name := range s.names {
		v, err := s.engine.Evaluate(ctx, s.exprs[name], ns.Map())
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return Proceed(out), nil
}

func (s *exprLookup) Fields() ([]FieldDescriptor, error) {
	out := make([]FieldDescriptor, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, FieldDescriptor{Name: name, Description: s.exprs[name]})
	}
	return out, nil
}
