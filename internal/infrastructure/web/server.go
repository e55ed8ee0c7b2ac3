// Package web serves the operational surface: liveness, readiness, status,
// diagnostics and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/infrastructure/postgres"
	"github.com/subalert/notification-worker/internal/metrics"
	"github.com/subalert/notification-worker/internal/status"
)

// Registry is the slice of the processor registry the diagnostics page needs.
type Registry interface {
	Types() []string
}

type Server struct {
	srv     *http.Server
	tracker *status.Tracker
	db      *postgres.Gateway
	reg     Registry
	lg      zerolog.Logger
}

func NewServer(addr string, tracker *status.Tracker, db *postgres.Gateway, reg Registry, lg zerolog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		db:      db,
		reg:     reg,
		lg:      lg.With().Str("component", "web").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.lg.Info().Str("addr", s.srv.Addr).Msg("status server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth is liveness: FULL and LIMITED both pass, so a worker that lost
// a dependency keeps its process alive while it reconnects.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.tracker.Healthy() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": s.tracker.Mode()})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "mode": s.tracker.Mode()})
}

// handleReady is readiness: only FULL accepts traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.tracker.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "mode": s.tracker.Mode()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     s.tracker.Snapshot(),
		"processors": s.reg.Types(),
	}
	if s.db != nil {
		body["db_pool"] = s.db.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
