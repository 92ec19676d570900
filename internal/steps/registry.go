package steps

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/eventflow/internal/validation"
	"github.com/rendis/eventflow/pkg/schema"
)

// Registry maps step class identifiers to constructors. Registration
// happens at start-up; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]Registration
	validator *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry that validates configurations with v.
func NewRegistry(v *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		steps:     make(map[string]Registration),
		validator: v,
	}
}

// Register adds a step class. Returns an error on a duplicate class.
func (r *Registry) Register(reg Registration) error {
	if reg.Class == "" {
		return schema.NewError(schema.ErrCodeValidation, "step class is empty")
	}
	if !reg.Kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "step class %q has invalid type %q", reg.Class, reg.Kind)
	}
	if reg.New == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step class %q has no constructor", reg.Class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[reg.Class]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step class %q already registered", reg.Class)
	}
	r.steps[reg.Class] = reg
	return nil
}

// Get returns the registration for class.
func (r *Registry) Get(class string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.steps[class]
	if !ok {
		return Registration{}, schema.NewErrorf(schema.ErrCodeUnknownStepType, "step class %q not registered", class).
			WithDetails(map[string]any{"class": class})
	}
	return reg, nil
}

// Kind reports the step type of class.
func (r *Registry) Kind(class string) (schema.StepType, bool) {
	reg, err := r.Get(class)
	if err != nil {
		return "", false
	}
	return reg.Kind, true
}

// Construct builds a step of class from its persisted configuration.
// An empty configuration means "{}". Unknown classes fail with
// UNKNOWN_STEP_TYPE; malformed or invalid configurations with CONFIG_PARSE_ERROR.
func (r *Registry) Construct(class string, config json.RawMessage) (Step, error) {
	reg, err := r.Get(class)
	if err != nil {
		return nil, err
	}
	config = defaultConfig(config)
	if err := r.validator.ValidateConfig(config, reg.ConfigSchema); err != nil {
		return nil, err
	}
	step, err := reg.New(config)
	if err != nil {
		if schema.CodeOf(err) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfigParse, "construct %s: %s", class, err.Error()).WithCause(err)
		}
		return nil, err
	}
	return step, nil
}

// CheckConfig reports whether config would construct a step of class.
func (r *Registry) CheckConfig(class string, config json.RawMessage) error {
	_, err := r.Construct(class, config)
	return err
}

// List returns info for all registered step classes, sorted by class.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.steps))
	for _, reg := range r.steps {
		info := Info{Class: reg.Class, Kind: reg.Kind, Description: reg.Description}
		if reg.ConfigSchema != "" {
			info.ConfigSchema = json.RawMessage(reg.ConfigSchema)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Class < infos[j].Class
	})
	return infos
}

// Count returns the number of registered step classes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

func defaultConfig(config json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

var _ validation.StepLookup = (*Registry)(nil)
