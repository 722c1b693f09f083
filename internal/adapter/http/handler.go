package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsProvider interface {
	Stats() service.ConsumerStats
}

type JobLookup interface {
	Status(ctx context.Context, id string) (*domain.Job, error)
}

const readyTimeout = 2 * time.Second

type Handlers struct {
	store   Pinger
	stats   StatsProvider
	version string
}

func NewHandlers(store Pinger, stats StatsProvider, version string) *Handlers {
	return &Handlers{store: store, stats: stats, version: version}
}

func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
	}
}

// Ready reports whether the queue store answers.
func (h *Handlers) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			logger.Warn.Printf("readiness check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (h *Handlers) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.stats.Stats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error.Printf("write response: %v", err)
	}
}
