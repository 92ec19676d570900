package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/eventflow/pkg/schema"
)

// validateSemantic checks what the document schema cannot: at least one step,
// dense positions 1..n, unique step ids, registered classes whose kind
// matches the declared type, and constructible configurations.
// The bundle must already be normalized.
func validateSemantic(b *schema.WorkflowBundle, lookup StepLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(b.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "a workflow needs at least one step")
		return result
	}

	positions := make(map[int]bool, len(b.Steps))
	ids := make(map[string]bool, len(b.Steps))
	for i := range b.Steps {
		st := &b.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if st.Position < 1 || st.Position > len(b.Steps) || positions[st.Position] {
			result.AddError(path+".position", schema.ErrCodeValidation,
				fmt.Sprintf("position %d breaks the dense sequence 1..%d", st.Position, len(b.Steps)))
		}
		positions[st.Position] = true

		if st.ID != "" {
			if ids[st.ID] {
				result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", st.ID))
			}
			ids[st.ID] = true
		}

		if lookup == nil {
			continue
		}
		kind, ok := lookup.Kind(st.Class)
		if !ok {
			result.AddError(path+".class", schema.ErrCodeUnknownStepType,
				fmt.Sprintf("step class %q not registered", st.Class))
			continue
		}
		if st.Type != "" && st.Type != kind {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("step class %q is a %s step, declared as %s", st.Class, kind, st.Type))
		}
		config, err := json.Marshal(st.Config)
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeConfigParse, err.Error())
			continue
		}
		if st.Config == nil {
			config = nil
		}
		if err := lookup.CheckConfig(st.Class, config); err != nil {
			result.AddError(path+".config", schema.CodeOf(err), err.Error())
		}
	}

	if lookup != nil && !hasKind(b, lookup, schema.StepTypeAction) {
		result.AddWarning("steps", schema.ErrCodeValidation, "workflow has no action step")
	}
	return result
}

func hasKind(b *schema.WorkflowBundle, lookup StepLookup, want schema.StepType) bool {
	for _, st := range b.Steps {
		if kind, ok := lookup.Kind(st.Class); ok && kind == want {
			return true
		}
	}
	return false
}
