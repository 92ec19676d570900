package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/steps"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/internal/streaming"
	"github.com/rendis/eventflow/internal/validation"
	"github.com/rendis/eventflow/pkg/schema"
)

type testAPI struct {
	store   *store.MemoryStore
	catalog *engine.Catalog
	hub     *streaming.MemoryHub
	server  *Server
}

func newTestAPI(t *testing.T, immediate bool) *testAPI {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := steps.NewRegistry(v)
	require.NoError(t, steps.RegisterBuiltins(reg, steps.BuiltinOptions{}))

	s := store.NewMemoryStore()
	executor := engine.NewExecutor(s, reg, engine.ExecutorConfig{LearnFields: true})
	catalog := engine.NewCatalog(s, reg, validation.NewWorkflowValidator(v, reg), nil)
	hub := streaming.NewMemoryHub()
	hub.Attach(executor.FSM())
	svc := Services{
		Store:    s,
		Queue:    engine.NewQueue(s, nil),
		Catalog:  catalog,
		Worker:   engine.NewWorker(s, executor, engine.WorkerConfig{ID: "api-worker"}),
		Executor: executor,
		Registry: reg,
		Hub:      hub,
	}
	return &testAPI{
		store:   s,
		catalog: catalog,
		hub:     hub,
		server:  NewServer(Config{ImmediateDispatch: immediate}, svc),
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func loginBundle(active bool) *schema.WorkflowBundle {
	return &schema.WorkflowBundle{
		ID:        "login-audit",
		Name:      "Login audit",
		EventName: "login",
		Active:    active,
		Steps: []schema.BundleStep{
			{Class: "lookup.expr", Config: map[string]any{"fields": map[string]any{"is_root": "username == 'root'"}}},
			{Class: "action.log", Config: map[string]any{"message": "login by {username}"}},
		},
	}
}

func TestAPI_Health(t *testing.T) {
	a := newTestAPI(t, false)
	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_EventQueuesExecutions(t *testing.T) {
	a := newTestAPI(t, false)
	_, err := a.catalog.Apply(context.Background(), loginBundle(true))
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/events", `{"eventname":"login","data":{"username":"root"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[EventResponse](t, rec)
	assert.NotEmpty(t, resp.EventID)
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, schema.ExecutionStatusPending, resp.Executions[0].Status)
	assert.Empty(t, resp.Results)

	rec = a.do(t, http.MethodGet, "/executions?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]*store.Execution](t, rec)
	assert.Len(t, list["executions"], 1)
}

func TestAPI_EventRunsImmediately(t *testing.T) {
	a := newTestAPI(t, false)
	_, err := a.catalog.Apply(context.Background(), loginBundle(true))
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/events?run=true", `{"eventname":"login","data":{"username":"root"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[EventResponse](t, rec)
	require.Len(t, resp.Results, 1)
	res := resp.Results[0]
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, true, res.Results["is_root"])
	assert.Equal(t, "login by root", res.Results["log_message"])

	rec = a.do(t, http.MethodGet, "/executions/"+res.ExecutionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[store.Execution](t, rec)
	assert.Equal(t, 2, exec.LastCompletedStep)

	rec = a.do(t, http.MethodGet, "/executions/"+res.ExecutionID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		History []*store.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.NotEmpty(t, hist.History)
	assert.Equal(t, schema.HistoryExecutionQueued, hist.History[0].Type)
	assert.Equal(t, schema.HistoryExecutionCompleted, hist.History[len(hist.History)-1].Type)
}

func TestAPI_ImmediateDispatchConfig(t *testing.T) {
	a := newTestAPI(t, true)
	_, err := a.catalog.Apply(context.Background(), loginBundle(true))
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/events", `{"eventname":"login","data":{"username":"ann"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[EventResponse](t, rec).Results, 1)

	rec = a.do(t, http.MethodPost, "/events?run=false", `{"eventname":"login","data":{"username":"ann"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAPI_EventValidation(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	rec = a.do(t, http.MethodPost, "/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ExecutionQueries(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[]}`, rec.Body.String())
}

func TestAPI_RunExecutionConflictsWhenTerminal(t *testing.T) {
	a := newTestAPI(t, false)
	_, err := a.catalog.Apply(context.Background(), loginBundle(true))
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/events", `{"eventname":"login","data":{"username":"ann"}}`)
	id := decode[EventResponse](t, rec).Executions[0].ID

	rec = a.do(t, http.MethodPost, "/executions/"+id+"/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/executions/"+id+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_WorkflowLifecycle(t *testing.T) {
	a := newTestAPI(t, false)

	rec := a.do(t, http.MethodPost, "/workflows", loginBundle(false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/workflows?active=true", nil)
	assert.JSONEq(t, `{"workflows":[]}`, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/workflows/login-audit/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/workflows?active=true&event_name=login", nil)
	list := decode[map[string][]*store.Workflow](t, rec)
	require.Len(t, list["workflows"], 1)
	assert.True(t, list["workflows"][0].Active)

	rec = a.do(t, http.MethodGet, "/workflows/login-audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[schema.WorkflowBundle](t, rec)
	assert.Len(t, b.Steps, 2)

	rec = a.do(t, http.MethodPost, "/workflows/login-audit/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/workflows/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ApplyRejectsUnknownClass(t *testing.T) {
	a := newTestAPI(t, false)
	b := loginBundle(false)
	b.Steps[0].Class = "lookup.nope"
	rec := a.do(t, http.MethodPost, "/workflows", b)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_WorkflowFields(t *testing.T) {
	a := newTestAPI(t, false)
	_, err := a.catalog.Apply(context.Background(), loginBundle(true))
	require.NoError(t, err)
	a.do(t, http.MethodPost, "/events?run=true", `{"eventname":"login","data":{"username":"ann"}}`)

	rec := a.do(t, http.MethodGet, "/workflows/login-audit/fields", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[engine.FieldReport](t, rec)
	assert.Equal(t, "login", report.EventName)

	names := map[string]string{}
	for _, f := range report.Fields {
		names[f.Name] = f.Source
	}
	assert.Equal(t, engine.FieldSourceEvent, names["username"])
	assert.Equal(t, engine.FieldSourceStep, names["log_message"])
}

func TestAPI_ListSteps(t *testing.T) {
	a := newTestAPI(t, false)
	rec := a.do(t, http.MethodGet, "/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Steps    []steps.Info          `json:"steps"`
		Circuits []engine.CircuitStats `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	classes := make([]string, 0, len(body.Steps))
	for _, s := range body.Steps {
		classes = append(classes, s.Class)
	}
	assert.Contains(t, classes, "action.webhook")
	assert.Contains(t, classes, "filter.condition")
	assert.Empty(t, body.Circuits)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(schema.ErrCodeNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(schema.ErrCodeConfigParse))
	assert.Equal(t, http.StatusConflict, statusFor(schema.ErrCodeConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(schema.ErrCodeStore))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}
