// Package metrics serves the ops surface: the Prometheus endpoint
// and the read-only status API, on one listener inside the engine
// process.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

const shutdownGrace = 5 * time.Second

// Server is the ops HTTP server.
type Server struct {
	enabled bool
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer builds the server and wires the routes. It listens only
// once Run is called.
func NewServer(cfg *config.Config, handlers *Handlers) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handlers.handleHealth)
	mux.HandleFunc("/readiness", handlers.handleReadiness)
	mux.HandleFunc("/api/v1/status", handlers.handleStatus)
	mux.HandleFunc("/api/v1/positions", handlers.handlePositions)
	mux.HandleFunc("/api/v1/stats", handlers.handleStats)

	return &Server{
		enabled: cfg.Monitoring.EnableMetrics,
		logger:  config.NewLogger("metrics"),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
			Handler:      HTTPMiddleware(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests
// before returning. A disabled server returns immediately.
func (s *Server) Run(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info().Msg("Ops server disabled")
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Ops server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info().Msg("Ops server stopped")
	return ctx.Err()
}
