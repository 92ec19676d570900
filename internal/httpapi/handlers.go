package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// EventResponse is returned by POST /events.
type EventResponse struct {
	EventID    string              `json:"event_id"`
	Executions []*store.Execution  `json:"executions"`
	Results    []*engine.RunResult `json:"results,omitempty"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleEvent records an event and queues every matching workflow. With
// ?run=true, or when immediate dispatch is configured, the queued
// executions run before the response is written.
func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev schema.EventRecord
	if err := decodeBody(w, r, &ev); err != nil {
		respondWithError(w, err)
		return
	}
	queued, err := s.svc.Queue.Dispatch(r.Context(), &ev)
	if err != nil {
		s.logger.Error("error dispatching event", slog.String("eventname", ev.EventName), slog.String("error", err.Error()))
		respondWithError(w, err)
		return
	}
	if queued == nil {
		queued = []*store.Execution{}
	}
	resp := EventResponse{EventID: ev.ID, Executions: queued}

	runNow := s.immediate
	if v := r.URL.Query().Get("run"); v != "" {
		runNow, _ = strconv.ParseBool(v)
	}
	if !runNow || s.svc.Worker == nil {
		respondWithJSON(w, http.StatusAccepted, resp)
		return
	}
	for _, exec := range queued {
		res, err := s.svc.Worker.RunNow(r.Context(), exec.ID)
		if err != nil {
			// Already claimed by a background worker; it will finish the run.
			if schema.HasCode(err, schema.ErrCodeConflict) {
				continue
			}
			respondWithError(w, err)
			return
		}
		resp.Results = append(resp.Results, res)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		EventID:    q.Get("event_id"),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		if !validStatus(status) {
			respondWithError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", v))
			return
		}
		filter.Status = &status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondWithError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondWithError(w, err)
		return
	}

	execs, err := s.svc.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, exec)
}

func (s *Server) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Store.GetExecution(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	entries, err := s.svc.Store.ListHistory(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"execution_id": id, "history": entries})
}

// HandleRunExecution claims and runs a due execution in the foreground.
func (s *Server) HandleRunExecution(w http.ResponseWriter, r *http.Request) {
	if s.svc.Worker == nil {
		respondWithError(w, schema.NewError(schema.ErrCodeValidation, "no worker configured"))
		return
	}
	res, err := s.svc.Worker.RunNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{EventName: q.Get("event_name")}
	if v := q.Get("active"); v != "" {
		filter.ActiveOnly, _ = strconv.ParseBool(v)
	}
	wfs, err := s.svc.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if wfs == nil {
		wfs = []*store.Workflow{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (s *Server) HandleApplyWorkflow(w http.ResponseWriter, r *http.Request) {
	var b schema.WorkflowBundle
	if err := decodeBody(w, r, &b); err != nil {
		respondWithError(w, err)
		return
	}
	wf, err := s.svc.Catalog.Apply(r.Context(), &b)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Catalog.Export(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

func (s *Server) HandleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Catalog.Activate(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}

func (s *Server) HandleDeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.Catalog.Deactivate(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Server) HandleWorkflowFields(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Catalog.Fields(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// HandleListSteps lists registered step classes and circuit state per class.
func (s *Server) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"steps": s.svc.Registry.List()}
	circuits := []engine.CircuitStats{}
	if s.svc.Executor != nil {
		if snap := s.svc.Executor.Breakers().Snapshot(); snap != nil {
			circuits = snap
		}
	}
	body["circuits"] = circuits
	respondWithJSON(w, http.StatusOK, body)
}

func validStatus(s schema.ExecutionStatus) bool {
	switch s {
	case schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusRetryScheduled:
		return true
	}
	return false
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid integer %q", v)
	}
	return n, nil
}
