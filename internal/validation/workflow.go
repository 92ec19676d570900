package validation

import (
	"errors"

	"github.com/rendis/eventflow/pkg/schema"
)

// WorkflowValidator runs the two-stage bundle validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (positions, step classes, configurations)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	steps      StepLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip step class checks.
func NewWorkflowValidator(jsv *JSONSchemaValidator, lookup StepLookup) *WorkflowValidator {
	return &WorkflowValidator{jsonSchema: jsv, steps: lookup}
}

// Validate normalizes b and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(b *schema.WorkflowBundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if b == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow bundle is nil")
		return result
	}
	b.Normalize()

	if err := wv.jsonSchema.ValidateBundle(b); err != nil {
		addSchemaError(result, err)
		return result
	}

	result.Merge(validateSemantic(b, wv.steps))
	return result
}

// ValidateBundle satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateBundle(b *schema.WorkflowBundle) error {
	return wv.Validate(b).ToError()
}

func addSchemaError(result *schema.ValidationResult, err error) {
	var se *schema.Error
	if errors.As(err, &se) {
		if violations, ok := se.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", se.Code, v)
			}
			return
		}
		result.AddError("/", se.Code, se.Message)
		return
	}
	result.AddError("/", schema.ErrCodeValidation, err.Error())
}

var _ Validator = (*WorkflowValidator)(nil)

// ValidateStructure runs only the document schema stage. It is used for
// inactive bundles, which may be stored before their steps are complete.
func (wv *WorkflowValidator) ValidateStructure(b *schema.WorkflowBundle) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow bundle is nil")
	}
	b.Normalize()
	return wv.jsonSchema.ValidateBundle(b)
}
