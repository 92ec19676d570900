package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/eventflow/pkg/schema"
)

const bundleSchemaURL = "https://eventflow.dev/schemas/workflow-bundle.json"

// bundleSchemaJSON is the JSON Schema for WorkflowBundle documents.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://eventflow.dev/schemas/workflow-bundle.json",
  "type": "object",
  "required": ["id", "name", "event_name", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "event_name": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "active": {"type": "boolean"},
    "draft": {"type": "boolean"},
    "steps": {
      "type": "array",
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["class"],
      "properties": {
        "id": {"type": "string"},
        "class": {"type": "string", "pattern": "^[a-z0-9_]+\\.[a-z0-9_.]+$"},
        "type": {"type": "string", "enum": ["lookup", "filter", "action"]},
        "name": {"type": "string"},
        "config": {"type": "object"},
        "position": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates bundles against the bundle schema and step
// configurations against per-class schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	bundleSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the bundle schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal bundle schema: %w", err)
	}
	if err := c.AddResource(bundleSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add bundle schema resource: %w", err)
	}
	compiled, err := c.Compile(bundleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	return &JSONSchemaValidator{
		bundleSchema: compiled,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateBundle checks the document shape of a bundle.
func (v *JSONSchemaValidator) ValidateBundle(b *schema.WorkflowBundle) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow bundle is nil")
	}
	doc, err := toJSONValue(b)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow bundle").WithCause(err)
	}
	if err := v.bundleSchema.Validate(doc); err != nil {
		return toSchemaError(err, schema.ErrCodeValidation, "workflow bundle")
	}
	return nil
}

// ValidateConfig checks a raw step configuration against configSchema.
// Malformed JSON and schema violations are both CONFIG_PARSE_ERROR.
func (v *JSONSchemaValidator) ValidateConfig(config json.RawMessage, configSchema string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(config)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfigParse, "malformed step configuration: %s", err.Error()).WithCause(err)
	}
	if configSchema == "" {
		return nil
	}
	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfigParse, "invalid configuration schema").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err, schema.ErrCodeConfigParse, "step configuration")
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(source string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[source]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[source]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("eventflow://step-config/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[source] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a coded *schema.Error
// listing every leaf violation.
func toSchemaError(err error, code, subject string) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewErrorf(code, "%s: %s", subject, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewErrorf(code, "%s: %s", subject, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(code, "%s failed with %d violations", subject, len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
