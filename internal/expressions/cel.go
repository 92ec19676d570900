package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CEL activation variables.
const (
	celFields = "fields"
	celEvent  = "event"
)

// CELEngine evaluates boolean filter conditions. Expressions see the
// namespace as `fields` and the event metadata as `event`, both
// map(string, dyn).
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine builds the CEL environment.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(celFields, mapType),
		cel.Variable(celEvent, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache("cel", e.build)
	return e, nil
}

func (e *CELEngine) build(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data's "fields" and "event" entries bound;
// a missing entry binds an empty map.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{celFields: map[string]any{}, celEvent: map[string]any{}}
	for name := range activation {
		if v := data[name]; v != nil {
			activation[name] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, evalError("cel", expression, fmt.Errorf("result is %T, want bool", out))
	}
	return b, nil
}

var _ Engine = (*CELEngine)(nil)
