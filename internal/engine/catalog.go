package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/eventflow/internal/steps"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/internal/validation"
	"github.com/rendis/eventflow/pkg/schema"
)

// Catalog manages workflow definitions: applying bundles, activation and
// field discovery.
type Catalog struct {
	store     store.Store
	registry  *steps.Registry
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// FieldSource tells where a reported field comes from.
const (
	FieldSourceEvent = "event"
	FieldSourceStep  = "step"
)

// FieldEntry is one field available to a workflow's templates and expressions.
type FieldEntry struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string `json:"source" yaml:"source"`
	Position    int    `json:"position,omitempty" yaml:"position,omitempty"`
	Class       string `json:"class,omitempty" yaml:"class,omitempty"`
}

// UndeclaredStep names a step whose added fields are unknown until it runs.
type UndeclaredStep struct {
	Position int    `json:"position" yaml:"position"`
	Class    string `json:"class" yaml:"class"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// FieldReport lists the fields a workflow can reference.
type FieldReport struct {
	WorkflowID string           `json:"workflow_id" yaml:"workflow_id"`
	EventName  string           `json:"event_name" yaml:"event_name"`
	Fields     []FieldEntry     `json:"fields" yaml:"fields"`
	Undeclared []UndeclaredStep `json:"undeclared,omitempty" yaml:"undeclared,omitempty"`
}

// NewCatalog creates a Catalog.
func NewCatalog(s store.Store, registry *steps.Registry, validator *validation.WorkflowValidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: s, registry: registry, validator: validator, logger: logger}
}

// Apply validates b and creates or replaces the workflow and its steps.
// Inactive bundles without steps are stored after the structural check only.
func (c *Catalog) Apply(ctx context.Context, b *schema.WorkflowBundle) (*store.Workflow, error) {
	if b == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow bundle is nil")
	}
	var err error
	if len(b.Steps) == 0 && !b.Active {
		err = c.validator.ValidateStructure(b)
	} else {
		err = c.validator.ValidateBundle(b)
	}
	if err != nil {
		return nil, err
	}

	defs, err := c.stepDefinitions(b)
	if err != nil {
		return nil, err
	}

	wf, err := c.store.GetWorkflow(ctx, b.ID)
	switch {
	case schema.HasCode(err, schema.ErrCodeNotFound):
		wf = &store.Workflow{
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			EventName:   b.EventName,
			Enabled:     b.IsEnabled(),
			Active:      b.Active,
			Draft:       b.Draft,
		}
		if err := c.store.CreateWorkflow(ctx, wf); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if wf.EventName != b.EventName {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %s is bound to event %q, bundle names %q", b.ID, wf.EventName, b.EventName)
		}
		enabled := b.IsEnabled()
		if err := c.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{
			Name:        &b.Name,
			Description: &b.Description,
			Enabled:     &enabled,
			Active:      &b.Active,
			Draft:       &b.Draft,
		}); err != nil {
			return nil, err
		}
	}

	if err := c.store.ReplaceSteps(ctx, b.ID, defs); err != nil {
		return nil, err
	}
	c.logger.Info("workflow applied",
		slog.String("workflow_id", b.ID),
		slog.String("event_name", b.EventName),
		slog.Int("steps", len(defs)),
		slog.Bool("active", b.Active))
	return c.store.GetWorkflow(ctx, b.ID)
}

// Activate validates the stored workflow and marks it active.
// A workflow without steps cannot be activated.
func (c *Catalog) Activate(ctx context.Context, id string) error {
	b, err := c.Export(ctx, id)
	if err != nil {
		return err
	}
	if err := c.validator.ValidateBundle(b); err != nil {
		return err
	}
	active := true
	if err := c.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{Active: &active}); err != nil {
		return err
	}
	c.logger.Info("workflow activated", slog.String("workflow_id", id))
	return nil
}

// Deactivate stops new executions of the workflow. Queued executions still run.
func (c *Catalog) Deactivate(ctx context.Context, id string) error {
	active := false
	if err := c.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{Active: &active}); err != nil {
		return err
	}
	c.logger.Info("workflow deactivated", slog.String("workflow_id", id))
	return nil
}

// Steps lists the registered step classes.
func (c *Catalog) Steps() []steps.Info { return c.registry.List() }

// Export rebuilds the bundle of a stored workflow.
func (c *Catalog) Export(ctx context.Context, id string) (*schema.WorkflowBundle, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	defs, err := c.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	enabled := wf.Enabled
	b := &schema.WorkflowBundle{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		EventName:   wf.EventName,
		Enabled:     &enabled,
		Active:      wf.Active,
		Draft:       wf.Draft,
		Steps:       make([]schema.BundleStep, 0, len(defs)),
	}
	for _, def := range defs {
		var config map[string]any
		if len(def.Config) > 0 && string(def.Config) != "null" {
			if err := json.Unmarshal(def.Config, &config); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfigParse,
					"step %d of workflow %s: %s", def.Position, id, err.Error()).WithCause(err)
			}
		}
		b.Steps = append(b.Steps, schema.BundleStep{
			ID:       bundleStepID(id, def.ID),
			Class:    def.Class,
			Type:     def.Type,
			Name:     def.Name,
			Config:   config,
			Position: def.Position,
		})
	}
	return b, nil
}

// Fields reports the fields a workflow can reference: the fields learned
// from its event followed by the fields each step declares, in step order.
// Steps that do not declare their fields are listed as undeclared.
func (c *Catalog) Fields(ctx context.Context, id string) (*FieldReport, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	learned, err := c.store.ListLearnedFields(ctx, wf.EventName)
	if err != nil {
		return nil, err
	}
	defs, err := c.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &FieldReport{WorkflowID: wf.ID, EventName: wf.EventName, Fields: []FieldEntry{}}
	for _, lf := range learned {
		report.Fields = append(report.Fields, FieldEntry{Name: lf.Field, Type: lf.Type, Source: FieldSourceEvent})
	}

	for _, def := range defs {
		step, err := c.registry.Construct(def.Class, def.Config)
		if err != nil {
			report.Undeclared = append(report.Undeclared, UndeclaredStep{Position: def.Position, Class: def.Class, Reason: err.Error()})
			continue
		}
		declared, err := step.Fields()
		if errors.Is(err, steps.ErrFieldsUnsupported) {
			report.Undeclared = append(report.Undeclared, UndeclaredStep{Position: def.Position, Class: def.Class})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fields of step %d (%s): %w", def.Position, def.Class, err)
		}
		for _, fd := range declared {
			report.Fields = append(report.Fields, FieldEntry{
				Name:        fd.Name,
				Type:        fd.Type,
				Description: fd.Description,
				Source:      FieldSourceStep,
				Position:    def.Position,
				Class:       def.Class,
			})
		}
	}
	return report, nil
}

func (c *Catalog) stepDefinitions(b *schema.WorkflowBundle) ([]*store.StepDefinition, error) {
	defs := make([]*store.StepDefinition, 0, len(b.Steps))
	for _, st := range b.Steps {
		var config json.RawMessage
		if st.Config != nil {
			data, err := json.Marshal(st.Config)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfigParse, "step %d config: %s", st.Position, err.Error()).WithCause(err)
			}
			config = data
		}
		kind := st.Type
		if k, ok := c.registry.Kind(st.Class); ok {
			kind = k
		}
		defs = append(defs, &store.StepDefinition{
			ID:         scopedStepID(b.ID, st.ID, st.Position),
			WorkflowID: b.ID,
			Class:      st.Class,
			Type:       kind,
			Name:       st.Name,
			Config:     config,
			Position:   st.Position,
		})
	}
	return defs, nil
}

// Step ids are unique across workflows, so bundle ids are stored scoped
// to their workflow.
func scopedStepID(workflowID, stepID string, position int) string {
	if stepID == "" {
		return fmt.Sprintf("%s/#%d", workflowID, position)
	}
	return workflowID + "/" + stepID
}

func bundleStepID(workflowID, stored string) string {
	id := strings.TrimPrefix(stored, workflowID+"/")
	if strings.HasPrefix(id, "#") {
		return ""
	}
	return id
}
