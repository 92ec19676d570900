package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/eventflow/internal/streaming"
	"github.com/rendis/eventflow/pkg/schema"
)

// HandleStream sends execution state changes as server-sent events.
// With execution_id set the stream ends after that execution's terminal
// transition.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Hub == nil {
		respondWithError(w, schema.NewError(schema.ErrCodeNotFound, "execution streaming is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, schema.NewError(schema.ErrCodeStore, "response writer cannot stream"))
		return
	}

	q := r.URL.Query()
	filter := streaming.Filter{ExecutionID: q.Get("execution_id")}
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			status := schema.ExecutionStatus(strings.TrimSpace(part))
			if !validStatus(status) {
				respondWithError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	ctx := r.Context()
	events, cancel, err := s.svc.Hub.Subscribe(ctx, filter)
	if err != nil {
		respondWithError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode stream event", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: execution\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if filter.ExecutionID != "" && ev.Status.Terminal() {
				return
			}
		}
	}
}
