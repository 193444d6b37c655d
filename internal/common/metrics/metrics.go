// Package metrics provides the Prometheus metrics HTTP server of the daemon.
//
// Besides /metrics, the server answers /healthz as soon as it listens and /readyz while its
// readiness check passes.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readinessTimeout bounds a single readiness probe.
const readinessTimeout = 5 * time.Second

// Server serves the metrics and probes of a featurewatch instance.
type Server struct {
	addr       net.Addr
	httpServer *http.Server

	mu sync.RWMutex
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type options struct {
	ready  func(ctx context.Context) error
	logger *slog.Logger
}

// Options represents an optional function to override Server default values.
type Options func(*options)

// WithReadiness sets the check answering /readyz. Without it, the instance is always ready.
func WithReadiness(check func(ctx context.Context) error) Options {
	return func(o *options) {
		o.ready = check
	}
}

// WithLogger overrides the logger reporting failed readiness probes.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// New creates a metrics server exposing reg on /metrics, with the liveness and readiness probes.
func New(cfg Config, reg prometheus.Gatherer, args ...Options) *Server {
	opts := options{
		ready:  func(context.Context) error { return nil },
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(opts.logger.Handler(), slog.LevelWarn),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := opts.ready(ctx); err != nil {
			opts.logger.Warn("Readiness probe failed", "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// RegisterBuildInfo exposes the running version as featurewatch_build_info on reg.
func RegisterBuildInfo(reg prometheus.Registerer, version, storeDriver string) error {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "featurewatch_build_info",
		Help: "Version and version store driver of the running instance. Always 1.",
	}, []string{"version", "store"})
	if err := reg.Register(info); err != nil {
		return fmt.Errorf("failed to register build info metric: %v", err)
	}
	info.WithLabelValues(version, storeDriver).Set(1)
	return nil
}

// ListenAndServe binds the configured address and serves until the server is shut down.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
