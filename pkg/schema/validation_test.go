package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps", ErrCodeValidation, "workflow has no action step")
	assert.True(t, r.Valid())
	assert.Len(t, r.Warnings(), 1)
	assert.Empty(t, r.Errors())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_SharedCodeIsPromoted(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].class", ErrCodeUnknownStepType, `step class "x" not registered`)
	r.AddError("steps[2].class", ErrCodeUnknownStepType, `step class "y" not registered`)

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeUnknownStepType))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Message, "2 errors")
	assert.Contains(t, e.Message, "steps[0].class")
	assert.Equal(t, 2, e.Details["error_count"])
}

func TestValidationResult_MixedCodesFallBackToValidation(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].class", ErrCodeUnknownStepType, "not registered")
	r.AddWarning("steps", ErrCodeValidation, "no action")
	other := &ValidationResult{}
	other.AddError("steps[1].config", ErrCodeConfigParse, "bad config")
	r.Merge(other)
	r.Merge(nil)

	require.Len(t, r.Issues, 3)
	assert.Equal(t, "steps[1].config", r.Errors()[1].Path)
	assert.True(t, HasCode(r.ToError(), ErrCodeValidation))
}

func TestValidationResult_SingleErrorMessage(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps", ErrCodeValidation, "a workflow needs at least one step")
	assert.EqualError(t, r.ToError(), "[VALIDATION_ERROR] steps: a workflow needs at least one step")
}
