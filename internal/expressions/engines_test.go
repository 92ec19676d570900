package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/pkg/schema"
)

func TestCEL_FieldCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"fields": map[string]any{"userid": int64(7), "other_courseid": int64(3)},
		"event":  map[string]any{"eventname": "user_created"},
	}
	ok, err := e.EvaluateBool(context.Background(), `fields.userid == 7 && fields.other_courseid > 2`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `event.eventname == "course_deleted"`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_HasMacroOnMissingField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `has(fields.email)`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_CompileErrorIsConfigParse(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`fields.userid ==`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))

	err = e.Compile("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
}

func TestCEL_RuntimeErrorIsStepExecution(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `fields.missing == 1`, map[string]any{"fields": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestCEL_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `fields.n > 1`, map[string]any{"fields": map[string]any{"n": 2}})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestExpr_ComputedField(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), `firstname + " " + lastname`, map[string]any{"firstname": "Jane", "lastname": "Doe"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", out)

	out, err = e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	assert.True(t, schema.HasCode(e.Compile(`(`), schema.ErrCodeConfigParse))
	assert.True(t, schema.HasCode(e.Compile(""), schema.ErrCodeConfigParse))
}

func TestGoJQ_ReshapesNamespace(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Evaluate(context.Background(), `{course: .other_courseid, user: .userid}`,
		map[string]any{"userid": int64(7), "other_courseid": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"course": 3, "user": 7}, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.a, .b`, map[string]any{"a": "x", "b": "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	out, err = e.Evaluate(context.Background(), `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	assert.True(t, schema.HasCode(e.Compile(`.[`), schema.ErrCodeConfigParse))

	_, err := e.Evaluate(context.Background(), `error("nope")`, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestProgramCacheCompilesOnce(t *testing.T) {
	calls := 0
	c := newProgramCache("test", func(expression string) (string, error) {
		calls++
		return "compiled:" + expression, nil
	})

	for i := 0; i < 3; i++ {
		p, err := c.get("a + b")
		require.NoError(t, err)
		assert.Equal(t, "compiled:a + b", p)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.len())

	_, err := c.get("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
	assert.Equal(t, 1, calls)
}

func TestProgramCacheDoesNotStoreFailures(t *testing.T) {
	c := newProgramCache("test", func(string) (int, error) {
		return 0, assert.AnError
	})
	_, err := c.get("x")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
	assert.Equal(t, 0, c.len())
}

func TestEngineErrorsCarryEngineName(t *testing.T) {
	e := NewExprEngine()
	err := e.Compile("(")
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "expr", se.Details["engine"])
	assert.Equal(t, "(", se.Details["expression"])
}
