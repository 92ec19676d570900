// Package httpapi exposes event ingestion and execution queries over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/steps"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/internal/streaming"
	"github.com/rendis/eventflow/pkg/schema"
)

const maxBodyBytes = 1 << 20

// Services are the engine components the API serves.
type Services struct {
	Store    store.Store
	Queue    *engine.Queue
	Catalog  *engine.Catalog
	Worker   *engine.Worker
	Executor *engine.Executor
	Registry *steps.Registry
	// Hub feeds GET /executions/stream; nil disables it.
	Hub streaming.Hub
}

// Config configures the HTTP server.
type Config struct {
	Addr string
	// ImmediateDispatch runs queued executions inside the POST /events
	// request instead of leaving them to the background worker.
	ImmediateDispatch bool
	Logger            *slog.Logger
}

// Server is the HTTP front end of the engine.
type Server struct {
	http.Server
	svc       Services
	immediate bool
	logger    *slog.Logger
}

// NewServer builds the router and returns a server ready to start.
func NewServer(cfg Config, svc Services) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
		svc:       svc,
		immediate: cfg.ImmediateDispatch,
		logger:    logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)

	router.HandleFunc("/events", s.HandleEvent).Methods(http.MethodPost)

	router.HandleFunc("/executions", s.HandleListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/executions/stream", s.HandleStream).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}/history", s.HandleGetHistory).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}/run", s.HandleRunExecution).Methods(http.MethodPost)

	router.HandleFunc("/workflows", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows", s.HandleApplyWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}/activate", s.HandleActivateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/deactivate", s.HandleDeactivateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/fields", s.HandleWorkflowFields).Methods(http.MethodGet)

	router.HandleFunc("/steps", s.HandleListSteps).Methods(http.MethodGet)

	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down http server", slog.String("error", err.Error()))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error())
	}
	return nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps a schema.Error code to an HTTP status.
func respondWithError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	body := map[string]any{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	var se *schema.Error
	if errors.As(err, &se) && len(se.Details) > 0 {
		body["details"] = se.Details
	}
	payload, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(code))
	w.Write(payload)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConfigParse, schema.ErrCodeUnknownStepType:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
