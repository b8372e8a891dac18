// Package api provides the reachscan status API: health, Prometheus metrics,
// scanner status and a websocket feed of results as they are found.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/reachscan/internal/api/handlers"
	"github.com/anstrom/reachscan/internal/api/middleware"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	requestTimeout        = 10 * time.Second
)

// Config holds API server configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:9090",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *apihandlers.Hub
	health     *apihandlers.HealthHandler
	logger     *logging.Logger
}

// New creates a new API server. store and status may be nil; the
// corresponding checks then report "not configured".
func New(cfg Config, store apihandlers.Pinger, status apihandlers.StatusProvider) *Server {
	logger := logging.Default().WithComponent("api")
	hub := apihandlers.NewHub(logger)

	s := &Server{
		router: mux.NewRouter(),
		hub:    hub,
		health: apihandlers.NewHealthHandler(store, status, hub, logger),
		logger: logger,
	}

	s.setupRoutes()
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	registry := metrics.GetGlobalMetrics().GetRegistry()

	s.router.HandleFunc("/healthz", s.health.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/results", s.hub.ServeWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequestTimeout(requestTimeout))
	api.Use(handlers.CompressHandler)
	api.HandleFunc("/status", s.health.Status).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(apihandlers.NotFound)
}

// setupMiddleware configures middleware shared by every route.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger.Logger))
	s.router.Use(middleware.Logging(s.logger.Logger))
	s.router.Use(middleware.Metrics(metrics.GetGlobalMetrics()))
	s.router.Use(middleware.SecurityHeaders())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the API server and disconnects feed clients.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	_ = s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Hub returns the result feed, which the scanner publishes to.
func (s *Server) Hub() *apihandlers.Hub {
	return s.hub
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.httpServer.Addr
}
