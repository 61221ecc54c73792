// Package microservice provides the HTTP server shared by the service binaries.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Service is the lifecycle of a long-running component.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BaseServer serves /healthz, /readyz, /metrics and any handlers registered
// on its mux. /readyz answers 503 until SetReady(true).
type BaseServer struct {
	Logger   zerolog.Logger
	HTTPPort string

	mux    *http.ServeMux
	server *http.Server
	addr   atomic.Pointer[net.Addr]
	ready  atomic.Bool
}

// NewBaseServer creates a server for httpPort. When gatherer is non-nil its
// metrics are exposed on /metrics.
func NewBaseServer(logger zerolog.Logger, httpPort string, gatherer prometheus.Gatherer) *BaseServer {
	s := &BaseServer{
		Logger:   logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/readyz", s.readyzHandler)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.server = &http.Server{
		Addr:              httpPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the port and serves in the background.
func (s *BaseServer) Start() error {
	ln, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}
	addr := ln.Addr()
	s.addr.Store(&addr)
	s.Logger.Info().Str("address", addr.String()).Msg("HTTP server listening.")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown marks the server unready and stops it within ctx's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// SetReady sets the /readyz answer.
func (s *BaseServer) SetReady(ready bool) { s.ready.Store(ready) }

// GetHTTPPort returns the bound port in ":port" form, or the configured
// address before Start.
func (s *BaseServer) GetHTTPPort() string {
	addr := s.addr.Load()
	if addr == nil {
		return s.HTTPPort
	}
	if tcp, ok := (*addr).(*net.TCPAddr); ok {
		return fmt.Sprintf(":%d", tcp.Port)
	}
	return s.HTTPPort
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux { return s.mux }

// HealthzHandler reports liveness.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *BaseServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("READY"))
}
