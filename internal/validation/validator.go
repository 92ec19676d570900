package validation

import (
	"encoding/json"

	"github.com/rendis/eventflow/pkg/schema"
)

// Validator checks workflow bundles before they are stored or activated.
type Validator interface {
	ValidateBundle(b *schema.WorkflowBundle) error
}

// StepLookup resolves step classes for semantic checks. The steps registry
// satisfies it.
type StepLookup interface {
	Kind(class string) (schema.StepType, bool)
	CheckConfig(class string, config json.RawMessage) error
}
