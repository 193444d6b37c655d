// Package monitor runs the featurewatch daemon services: the dispatch scheduler, the metrics server
// and the control API server.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service supervises the monitoring sub-services.
type Service struct {
	scheduler     Scheduler
	metricsServer Server
	controlServer Server

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context lets in-flight requests and the current cycle finish.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	mu      sync.Mutex
	running chan struct{} // Closed when the service is not running.
}

// Scheduler hosts the monitoring loop until ctx is done.
type Scheduler interface {
	Run(ctx context.Context) error
}

// Server is an HTTP server supervised by the service.
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a new monitor service.
func New(ctx context.Context, scheduler Scheduler, metricsServer, controlServer Server, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running)
	return &Service{
		scheduler:     scheduler,
		metricsServer: metricsServer,
		controlServer: controlServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the monitor service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	slog.Info("Monitor service started")

	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	running := make(chan struct{})
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	defer close(running)
	defer s.cancel()

	subs := []func() error{
		s.runScheduler,
		func() error { return s.runServer("metrics", s.metricsServer) },
		func() error { return s.runServer("control", s.controlServer) },
	}

	done := make(chan error, len(subs))
	var wg sync.WaitGroup
	for _, run := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done <- run()
		}()
	}
	go func() { wg.Wait(); close(done) }()

	// The first sub-service to return brings the others down.
	err := <-done
	slog.Info("Waiting for monitor services to finish")

	timeout := time.NewTimer(s.maxDegradedDuration)
	defer timeout.Stop()
	for {
		select {
		case <-timeout.C:
			slog.Warn("Monitor service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case e, ok := <-done:
			if !ok {
				return err
			}
			err = errors.Join(err, e)
		}
	}
}

func (s *Service) runScheduler() error {
	slog.Info("Starting dispatch scheduler")
	defer s.gracefulCancel()

	if err := s.scheduler.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Dispatch scheduler encountered an error", "err", err)
		return fmt.Errorf("dispatch scheduler error: %v", err)
	}
	slog.Info("Dispatch scheduler stopped")
	return nil
}

func (s *Service) runServer(name string, srv Server) error {
	log := slog.With("server", name)
	log.Info("Starting server")
	defer s.gracefulCancel()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("Server encountered error", "err", err)
			return fmt.Errorf("%s server error: %v", name, err)
		}
		return nil
	}

	if s.ctx.Err() != nil {
		log.Info("Closing server", "reason", s.ctx.Err())
		srv.Close()
		return nil
	}

	log.Info("Graceful shutdown initiated")
	if err := srv.Shutdown(s.ctx); err != nil {
		log.Error("Graceful shutdown encountered error", "err", err)
		return fmt.Errorf("%s server shutdown error: %v", name, err)
	}
	log.Info("Server shut down gracefully")
	return nil
}

// Quit stops the monitor service.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping monitor service", "force", force)

	if force {
		s.cancel()
		s.metricsServer.Close()
		s.controlServer.Close()
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	<-running
}
