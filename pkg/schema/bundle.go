package schema

// WorkflowBundle is the authoring document for one workflow and its steps,
// as applied from YAML or JSON.
type WorkflowBundle struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	EventName   string       `json:"event_name" yaml:"event_name"`
	Enabled     *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Active      bool         `json:"active,omitempty" yaml:"active,omitempty"`
	Draft       bool         `json:"draft,omitempty" yaml:"draft,omitempty"`
	Steps       []BundleStep `json:"steps" yaml:"steps"`
}

// BundleStep is one step of a WorkflowBundle. A zero Position means
// "its index in Steps, 1-based".
type BundleStep struct {
	ID       string         `json:"id,omitempty" yaml:"id,omitempty"`
	Class    string         `json:"class" yaml:"class"`
	Type     StepType       `json:"type,omitempty" yaml:"type,omitempty"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position int            `json:"position,omitempty" yaml:"position,omitempty"`
}

// IsEnabled reports the enabled flag, defaulting to true when unset.
func (b *WorkflowBundle) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Normalize fills positions left at zero from the step order.
func (b *WorkflowBundle) Normalize() {
	if b.Steps == nil {
		b.Steps = []BundleStep{}
	}
	for i := range b.Steps {
		if b.Steps[i].Position == 0 {
			b.Steps[i].Position = i + 1
		}
	}
}
