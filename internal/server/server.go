// Package server exposes the supervisor's health and Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/services/supervisor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// StateSource reports the supervisor state.
type StateSource interface {
	State() supervisor.State
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	State   string    `json:"state"`
	Healthy bool      `json:"healthy"`
	Time    time.Time `json:"time"`
}

// Server serves /healthz and /metrics.
type Server struct {
	addr   string
	source StateSource
	logger zerolog.Logger
}

// New creates a server listening on addr once Run is called.
func New(logger zerolog.Logger, addr string, source StateSource) *Server {
	return &Server{
		addr:   addr,
		source: source,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http server shutdown")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving health and metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	resp := HealthResponse{
		State:   state.String(),
		Healthy: state != supervisor.Terminated,
		Time:    time.Now().UTC(),
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode health response")
	}
}
