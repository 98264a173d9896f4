// Package gateway serves the read-only ops HTTP API: health, live actor
// status and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Middleware wraps the whole mux.
type Middleware func(http.Handler) http.Handler

// Server is the ops HTTP server.
type Server struct {
	addr        string
	metricsPath string
	actors      ActorSource
	gatherer    prometheus.Gatherer
	middleware  []Middleware
	logger      *slog.Logger
	started     time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a server listening on addr. A nil gatherer disables
// the metrics route.
func NewServer(addr, metricsPath string, actors ActorSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Server{
		addr:        addr,
		metricsPath: metricsPath,
		actors:      actors,
		gatherer:    gatherer,
		logger:      logger,
		started:     time.Now(),
	}
}

// Use appends middleware. The first added is the outermost. Must be called
// before Start.
func (s *Server) Use(mw ...Middleware) {
	s.middleware = append(s.middleware, mw...)
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/api/v1/actors", actorsHandler(s.actors, s.started))
	if s.gatherer != nil {
		mux.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		}))
	}

	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("ops server started", "addr", listener.Addr().String(), "metrics", s.gatherer != nil)

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("ops server shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address actually bound, or "" before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
