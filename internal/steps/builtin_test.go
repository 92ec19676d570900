package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

func construct(t *testing.T, reg *Registry, class, config string) Step {
	t.Helper()
	st, err := reg.Construct(class, json.RawMessage(config))
	require.NoError(t, err)
	return st
}

func testRun() *RunContext {
	return &RunContext{
		ExecutionID: "ex-1",
		WorkflowID:  "wf-1",
		Position:    1,
		Event: &schema.RestoredEvent{Record: &schema.EventRecord{
			ID: "ev-1", EventName: "user_login", Origin: "web", ContextID: 9,
		}},
	}
}

// --- lookup.expr ---

func TestExprLookup(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.expr", `{"fields":{"score":"userid * 2","vip":"userid > 5"}}`)

	out, err := st.Execute(context.Background(), testRun(), fields.Namespace{"userid": int64(7)})
	require.NoError(t, err)
	assert.True(t, out.Continue)
	assert.EqualValues(t, 14, out.Fields["score"])
	assert.Equal(t, true, out.Fields["vip"])

	decl, err := st.Fields()
	require.NoError(t, err)
	require.Len(t, decl, 2)
	assert.Equal(t, "score", decl[0].Name)
}

func TestExprLookup_BadExpression(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Construct("lookup.expr", json.RawMessage(`{"fields":{"x":"1 +"}}`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
}

// --- lookup.jq ---

func TestJQLookup(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.jq", `{"query":"{greeting: (\"hi \" + .name)}","prefix":"jq_"}`)

	out, err := st.Execute(context.Background(), testRun(), fields.Namespace{"name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "hi Jane", out.Fields["jq_greeting"])

	_, err = st.Fields()
	assert.ErrorIs(t, err, ErrFieldsUnsupported)
}

func TestJQLookup_NonObject(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.jq", `{"query":".name"}`)

	_, err := st.Execute(context.Background(), testRun(), fields.Namespace{"name": "Jane"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

// --- lookup.jsonpath ---

func TestJSONPathLookup(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.jsonpath", `{"source":"profile","paths":{"city":"$.address.city","missing":"$.nope"}}`)

	ns := fields.Namespace{"profile": `{"address":{"city":"Lima"}}`}
	out, err := st.Execute(context.Background(), testRun(), ns)
	require.NoError(t, err)
	assert.Equal(t, "Lima", out.Fields["city"])
	_, present := out.Fields["missing"]
	assert.False(t, present)
}

func TestJSONPathLookup_Required(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.jsonpath", `{"source":"profile","paths":{"city":"$.city"},"required":true}`)

	_, err := st.Execute(context.Background(), testRun(), fields.Namespace{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))

	_, err = st.Execute(context.Background(), testRun(), fields.Namespace{"profile": "not json"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestJSONPathLookup_AbsentSourceIsEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "lookup.jsonpath", `{"source":"profile","paths":{"city":"$.city"}}`)

	out, err := st.Execute(context.Background(), testRun(), fields.Namespace{})
	require.NoError(t, err)
	assert.True(t, out.Continue)
	assert.Empty(t, out.Fields)
}

// --- filter.condition ---

func TestConditionFilter(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "filter.condition", `{"condition":"fields.userid > 5 && event.eventname == 'user_login'"}`)

	out, err := st.Execute(context.Background(), testRun(), fields.Namespace{"userid": int64(7)})
	require.NoError(t, err)
	assert.True(t, out.Continue)

	out, err = st.Execute(context.Background(), testRun(), fields.Namespace{"userid": int64(3)})
	require.NoError(t, err)
	assert.False(t, out.Continue)

	decl, err := st.Fields()
	require.NoError(t, err)
	assert.Empty(t, decl)
}

func TestConditionFilter_Negate(t *testing.T) {
	reg := newTestRegistry(t)
	st := construct(t, reg, "filter.condition", `{"condition":"event.origin == 'cli'","negate":true}`)

	out, err := st.Execute(context.Background(), testRun(), fields.Namespace{})
	require.NoError(t, err)
	assert.True(t, out.Continue)
}

func TestConditionFilter_BadCondition(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Construct("filter.condition", json.RawMessage(`{"condition":"fields.x >"}`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
}

// --- action.webhook ---

func TestWebhookAction(t *testing.T) {
	var gotPath, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotHeader = r.Header.Get("X-User")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	cfg := `{"url":"` + srv.URL + `/hook?name={fullname}","headers":{"X-User":"{userid}"},` +
		`"body":"{\"msg\":\"{fullname} logged in\"}","escape":"json"}`
	st := construct(t, reg, "action.webhook", cfg)

	ns := fields.Namespace{"fullname": `Jane "JJ" Doe`, "userid": int64(7)}
	out, err := st.Execute(context.Background(), testRun(), ns)
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusAccepted, out.Fields["webhook_status"])
	assert.Equal(t, "/hook?name=Jane+%22JJ%22+Doe", gotPath)
	assert.Equal(t, "7", gotHeader)
	assert.JSONEq(t, `{"msg":"Jane \"JJ\" Doe logged in"}`, gotBody)
}

func TestWebhookAction_ServerErrorIsStepError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	st := construct(t, reg, "action.webhook", `{"url":"`+srv.URL+`"}`)

	_, err := st.Execute(context.Background(), testRun(), fields.Namespace{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestWebhookAction_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	st := construct(t, reg, "action.webhook", `{"url":"`+srv.URL+`","timeout":"50ms"}`)

	_, err := st.Execute(context.Background(), testRun(), fields.Namespace{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestWebhookAction_BadTimeout(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Construct("action.webhook", json.RawMessage(`{"url":"http://x","timeout":"soon"}`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfigParse))
}

// --- action.log ---

func TestLogAction(t *testing.T) {
	var buf bytes.Buffer
	run := testRun()
	run.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	reg := newTestRegistry(t)
	st := construct(t, reg, "action.log", `{"message":"user {userid} from {other_ip} at {missing}","level":"warn"}`)

	out, err := st.Execute(context.Background(), run, fields.Namespace{"userid": int64(7), "other_ip": "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, "user 7 from 1.2.3.4 at {missing}", out.Fields["log_message"])
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "event=user_login")
}
