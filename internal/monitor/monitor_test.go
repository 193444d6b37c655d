package monitor_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor"
	"github.com/stretchr/testify/require"
)

const degraded = 600 * time.Millisecond

func TestRun(t *testing.T) {
	t.Parallel()

	errRequested := errors.New("requested error")

	tests := map[string]struct {
		scheduler *mockScheduler
		metrics   *mockServer
		control   *mockServer

		cancelBeforeRun bool
		cancelAfterRun  bool
		fail            string // Sub-service which fails after startup: scheduler, metrics or control.

		wantErr         bool
		wantSpecificErr error
		wantNoReturn    bool
	}{
		"Blocks until stopped": {wantNoReturn: true},

		"Context canceled before run returns quickly": {
			cancelBeforeRun: true,
			wantErr:         true,
			wantSpecificErr: monitor.ErrServiceClosed,
		},
		"Context canceled after run closes everything": {
			cancelAfterRun: true,
		},
		"Context canceled with a hanging close times out": {
			control:         &mockServer{closeDelay: 2 * time.Second},
			cancelAfterRun:  true,
			wantErr:         true,
			wantSpecificErr: monitor.ErrTeardownTimeout,
		},

		"Scheduler error stops the servers": {
			scheduler: &mockScheduler{runErr: errRequested},
			fail:      "scheduler",
			wantErr:   true,
		},
		"Metrics server error stops the scheduler": {
			metrics: &mockServer{listenErr: errRequested},
			fail:    "metrics",
			wantErr: true,
		},
		"Control server error stops the scheduler": {
			control: &mockServer{listenErr: errRequested},
			fail:    "control",
			wantErr: true,
		},

		"Scheduler error with hanging shutdown times out": {
			scheduler:       &mockScheduler{runErr: errRequested},
			metrics:         &mockServer{shutdownDelay: 2 * time.Second},
			fail:            "scheduler",
			wantErr:         true,
			wantSpecificErr: monitor.ErrTeardownTimeout,
		},
		"Server error with hanging scheduler times out": {
			scheduler:       &mockScheduler{ignoreCtx: true},
			control:         &mockServer{listenErr: errRequested},
			fail:            "control",
			wantErr:         true,
			wantSpecificErr: monitor.ErrTeardownTimeout,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			sched, metricsSrv, controlSrv := tc.scheduler, tc.metrics, tc.control
			if sched == nil {
				sched = &mockScheduler{}
			}
			if metricsSrv == nil {
				metricsSrv = &mockServer{}
			}
			if controlSrv == nil {
				controlSrv = &mockServer{}
			}
			sched.init()
			metricsSrv.init()
			controlSrv.init()

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			s := monitor.New(ctx, sched, metricsSrv, controlSrv, monitor.WithMaxDegradedDuration(degraded))

			if tc.cancelBeforeRun {
				cancel()
			}

			errCh := runAsync(s)
			if !tc.cancelBeforeRun {
				select {
				case err := <-errCh:
					require.Failf(t, "Service returned before being stopped", "Got: %v", err)
				case <-time.After(100 * time.Millisecond):
				}
			}

			if tc.cancelAfterRun {
				cancel()
			}
			switch tc.fail {
			case "scheduler":
				sched.fail()
			case "metrics":
				metricsSrv.fail()
			case "control":
				controlSrv.fail()
			}

			select {
			case err := <-errCh:
				require.False(t, tc.wantNoReturn, "Service should not have returned")
				if !tc.wantErr {
					require.NoError(t, err, "Service should return without error")
					return
				}
				require.Error(t, err, "Service should return an error")
				if tc.wantSpecificErr != nil {
					require.ErrorIs(t, err, tc.wantSpecificErr, "Unexpected error")
				}
			case <-time.After(degraded + 300*time.Millisecond):
				require.True(t, tc.wantNoReturn, "Service should have returned")
				s.Quit(true)
			}
		})
	}
}

func TestQuit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		metrics *mockServer
		control *mockServer

		force     bool
		earlyQuit bool

		wantHang bool
	}{
		"Graceful quit":     {},
		"Forced quit":       {force: true},
		"Early quit":        {earlyQuit: true},
		"Early forced quit": {earlyQuit: true, force: true},

		"Forced quit ignores a hanging shutdown": {
			metrics: &mockServer{shutdownDelay: 2 * time.Second},
			force:   true,
		},
		"Forced quit waits for a hanging close": {
			control:  &mockServer{closeDelay: 2 * time.Second},
			force:    true,
			wantHang: true,
		},
		"Graceful quit waits for a hanging shutdown": {
			control:  &mockServer{shutdownDelay: 2 * time.Second},
			wantHang: true,
		},
		"Graceful quit ignores a hanging close": {
			metrics: &mockServer{closeDelay: 2 * time.Second},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			metricsSrv, controlSrv := tc.metrics, tc.control
			if metricsSrv == nil {
				metricsSrv = &mockServer{}
			}
			if controlSrv == nil {
				controlSrv = &mockServer{}
			}
			sched := &mockScheduler{}
			sched.init()
			metricsSrv.init()
			controlSrv.init()

			s := monitor.New(t.Context(), sched, metricsSrv, controlSrv, monitor.WithMaxDegradedDuration(time.Second))

			if tc.earlyQuit {
				requireQuit(t, s, tc.force, false)
				err := <-runAsync(s)
				require.ErrorIs(t, err, monitor.ErrServiceClosed, "Run after Quit should fail")
				return
			}

			errCh := runAsync(s)
			select {
			case err := <-errCh:
				require.Failf(t, "Service returned before Quit", "Got: %v", err)
			case <-time.After(100 * time.Millisecond):
			}

			requireQuit(t, s, tc.force, tc.wantHang)
		})
	}
}

func runAsync(s *monitor.Service) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- s.Run()
	}()
	return errCh
}

// requireQuit calls Quit and checks whether it returns within 500ms.
func requireQuit(t *testing.T, s *monitor.Service, force, wantHang bool) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Quit(force)
	}()

	select {
	case <-done:
		require.False(t, wantHang, "Quit should have blocked")
	case <-time.After(500 * time.Millisecond):
		require.True(t, wantHang, "Quit should have returned")
	}
}

type mockScheduler struct {
	runErr    error
	ignoreCtx bool

	failCh   chan struct{}
	failOnce sync.Once
}

func (m *mockScheduler) init() {
	m.failCh = make(chan struct{})
}

func (m *mockScheduler) fail() {
	m.failOnce.Do(func() { close(m.failCh) })
}

// Run mirrors the dispatch scheduler, which always returns an error.
func (m *mockScheduler) Run(ctx context.Context) error {
	if m.ignoreCtx {
		<-m.failCh
		return context.Canceled
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.failCh:
		return m.runErr
	}
}

type mockServer struct {
	listenErr     error
	shutdownDelay time.Duration
	closeDelay    time.Duration

	failCh   chan struct{}
	stopCh   chan struct{}
	failOnce sync.Once
	stopOnce sync.Once
}

func (m *mockServer) init() {
	m.failCh = make(chan struct{})
	m.stopCh = make(chan struct{})
}

func (m *mockServer) fail() {
	m.failOnce.Do(func() { close(m.failCh) })
}

func (m *mockServer) ListenAndServe() error {
	select {
	case <-m.stopCh:
		return http.ErrServerClosed
	case <-m.failCh:
		return m.listenErr
	}
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.shutdownDelay == 0 {
		return nil
	}

	select {
	case <-time.After(m.shutdownDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockServer) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	time.Sleep(m.closeDelay)
	return nil
}
