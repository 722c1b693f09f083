package http

import (
	"net/http"

	"github.com/mitt-app/mitt-worker/internal/adapter/http/middleware"
	"github.com/mitt-app/mitt-worker/internal/service"
)

type Server struct {
	mux        *http.ServeMux
	handlers   *Handlers
	sseHandler *SSEHandler
}

func NewServer(store Pinger, stats StatsProvider, jobs JobLookup, eventBus *service.EventBus, version string) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		handlers:   NewHandlers(store, stats, version),
		sseHandler: NewSSEHandler(eventBus, jobs),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handlers.Health())
	s.mux.HandleFunc("GET /ready", s.handlers.Ready())
	s.mux.HandleFunc("GET /stats", s.handlers.Stats())
	s.mux.HandleFunc("GET /events/{jobID}", s.sseHandler.Events())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.SecurityHeaders(s.mux).ServeHTTP(w, r)
}
