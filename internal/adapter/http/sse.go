package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/service"
)

const keepAliveInterval = 15 * time.Second

type SSEHandler struct {
	eventBus *service.EventBus
	jobs     JobLookup
}

func NewSSEHandler(eventBus *service.EventBus, jobs JobLookup) *SSEHandler {
	return &SSEHandler{eventBus: eventBus, jobs: jobs}
}

type jobSnapshot struct {
	JobID    string `json:"jobId"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	flush(w)
}

func sseWriteJSON(w http.ResponseWriter, eventName string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error.Printf("encode %s event: %v", eventName, err)
		return
	}
	sseWrite(w, eventName, string(data))
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	flush(w)
}

// Events streams the lifecycle of one job. The current record is sent first
// as a "state" event when it exists; the stream ends after the terminal
// event. A job that is still waiting has no record yet, so the stream just
// waits for it to be picked up.
func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("jobID")
		if id == "" {
			http.Error(w, "Missing job ID", http.StatusBadRequest)
			return
		}

		// Subscribe before the lookup so no event falls in between.
		ch := h.eventBus.Subscribe(id)
		defer h.eventBus.Unsubscribe(id, ch)

		job, err := h.jobs.Status(r.Context(), id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Error.Printf("events: lookup job %s: %v", logger.SanitizeForLog(id), err)
			http.Error(w, "Job lookup failed", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		// A job without a record sends nothing until it is picked up.
		flush(w)

		if job != nil {
			sseWriteJSON(w, "state", jobSnapshot{
				JobID:    job.ID,
				State:    string(job.State),
				Progress: job.Progress,
				Error:    job.Error,
			})
			if job.State.Terminal() {
				return
			}
		}

		ctx := r.Context()
		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case event, ok := <-ch:
				if !ok {
					return
				}
				sseWriteJSON(w, string(event.Type), event)
				if event.Terminal() {
					return
				}
			}
		}
	}
}
