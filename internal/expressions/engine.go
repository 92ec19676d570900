package expressions

import (
	"context"
	"sync"

	"github.com/rendis/eventflow/pkg/schema"
)

// Engine evaluates expressions against a field namespace.
// CEL backs filter conditions, Expr computed fields and GoJQ reshaping
// the namespace into new fields.
type Engine interface {
	Name() string
	// Compile reports whether expression is well formed and caches it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by their source text. Programs
// are immutable once compiled, so concurrent evaluations share them.
type programCache[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](engine string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{engine: engine, compile: compile, programs: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Two goroutines missing at once both compile; the first stored wins.
func (c *programCache[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeConfigParse, "empty %s expression", c.engine)
	}

	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := c.compile(expression)
	if err != nil {
		return zero, compileError(c.engine, expression, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.programs[expression]; ok {
		return cached, nil
	}
	c.programs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

func compileError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConfigParse, "%s: cannot compile %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStepExecution, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}
