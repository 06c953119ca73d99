// Package server exposes a small REST surface over a running job: progress
// snapshots, checkpoint and validation history, and the cooperative
// preemption trigger.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/stepflow/internal/scheduler"
	"github.com/me/stepflow/internal/store"
)

// Server is the stepflow run API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	store     store.Store
	startTime time.Time

	mu    sync.RWMutex
	gates map[string]*scheduler.Gate
}

// New creates a Server with all routes registered.
func New(st store.Store, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		store:     st,
		startTime: time.Now(),
		gates:     make(map[string]*scheduler.Gate),
	}
	s.routes()
	return s
}

// RegisterRun makes a run's preemption gate reachable through the API.
func (s *Server) RegisterRun(ownerID string, gate *scheduler.Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[ownerID] = gate
}

func (s *Server) gate(ownerID string) *scheduler.Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gates[ownerID]
}

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/runs/{ownerID}", func(r chi.Router) {
			r.Get("/progress", s.handleProgress)
			r.Get("/checkpoints", s.handleCheckpoints)
			r.Get("/validations/best", s.handleBestValidation)
			r.Post("/preempt", s.handlePreempt)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
