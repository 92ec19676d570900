package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/oliveagle/jsonpath"

	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

const jsonPathLookupSchema = `{
  "type": "object",
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "paths": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "pattern": "^\\$"}
    },
    "required": {"type": "boolean"}
  },
  "required": ["source", "paths"],
  "additionalProperties": false
}`

// jsonPathLookup extracts fields from a namespace field holding a JSON document.
// Paths that match nothing are skipped unless required is set.
type jsonPathLookup struct {
	source   string
	names    []string
	paths    map[string]*jsonpath.Compiled
	required bool
}

func jsonPathLookupRegistration() Registration {
	return Registration{
		Class:        "lookup.jsonpath",
		Kind:         schema.StepTypeLookup,
		Description:  "Extract fields with JSONPath from a field that holds a JSON document.",
		ConfigSchema: jsonPathLookupSchema,
		New: func(config json.RawMessage) (Step, error) {
			var cfg struct {
				Source   string            `json:"source"`
				Paths    map[string]string `json:"paths"`
				Required bool              `json:"required"`
			}
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			s := &jsonPathLookup{source: cfg.Source, paths: make(map[string]*jsonpath.Compiled, len(cfg.Paths)), required: cfg.Required}
			for name, path := range cfg.Paths {
				compiled, err := jsonpath.Compile(path)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeConfigParse, "field %q: invalid jsonpath %q: %s", name, path, err.Error()).WithCause(err)
				}
				s.paths[name] = compiled
				s.names = append(s.names, name)
			}
			sort.Strings(s.names)
			return s, nil
		},
	}
}

func (s *jsonPathLookup) Execute(_ context.Context, _ *RunContext, ns fields.Namespace) (*Outcome, error) {
	raw, ok := ns.String(s.source)
	if !ok || raw == "" {
		if s.required {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "source field %q is absent", s.source)
		}
		return Proceed(nil), nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "source field %q is not a JSON document", s.source).WithCause(err)
	}

	out := make(map[string]any, len(s.names))
	for _, name := range s.names {
		v, err := s.paths[name].Lookup(doc)
		if err != nil {
			if s.required {
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "field %q: %s", name, err.Error()).WithCause(err)
			}
			continue
		}
		out[name] = v
	}
	return Proceed(out), nil
}

func (s *jsonPathLookup) Fields() ([]FieldDescriptor, error) {
	out := make([]FieldDescriptor, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, FieldDescriptor{Name: name, Description: "from " + s.source})
	}
	return out, nil
}
