// Package api exposes the HTTP surface of the control plane: Prometheus
// metrics, health, and per-profile circuit status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shopcap/internal/capture"
	"shopcap/internal/control/circuit"
	"shopcap/internal/dispatch"
)

// Server wires HTTP handlers to the control components.
type Server struct {
	router   chi.Router
	breaker  *circuit.Breaker
	sessions *dispatch.Registry
	queue    capture.Queue
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The sessions
// registry and queue are optional; their endpoints degrade gracefully.
func NewServer(
	breaker *circuit.Breaker,
	sessions *dispatch.Registry,
	queue capture.Queue,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		breaker:  breaker,
		sessions: sessions,
		queue:    queue,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/tasks", s.tasks)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type profileStatus struct {
	Profile    string    `json:"profile_name"`
	Status     string    `json:"status"`
	TripReason string    `json:"trip_reason,omitempty"`
	TrippedAt  time.Time `json:"tripped_at,omitzero"`
	Live       bool      `json:"live_session"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	states := s.breaker.States()
	out := make([]profileStatus, 0, len(states))
	for _, st := range states {
		ps := profileStatus{
			Profile:   st.Profile,
			Status:    string(st.Status),
			TrippedAt: st.TrippedAt,
		}
		if st.Reason != capture.BlockNone {
			ps.TripReason = string(st.Reason)
		}
		if s.sessions != nil {
			_, ps.Live = s.sessions.Live(st.Profile)
		}
		out = append(out, ps)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	filter := capture.Filter{
		Status: capture.TaskStatus(r.URL.Query().Get("status")),
		Kind:   capture.TaskKind(r.URL.Query().Get("kind")),
	}
	tasks, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
