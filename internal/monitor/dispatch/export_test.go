package dispatch

import (
	"log/slog"
	"time"

	"github.com/juju/clock"
)

type (
	DSource   = dSource
	DStore    = dStore
	DNotifier = dNotifier
	DPolicy   = dPolicy
)

// WithClock overrides the clock driving the loop.
func WithClock(c clock.Clock) Options {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator overrides the generator of run and cycle IDs.
func WithIDGenerator(f func() string) Options {
	return func(o *options) {
		o.newID = f
	}
}

// WithLogger overrides the logger of the scheduler.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// Hosted reports whether Run is active.
func (s *Scheduler) Hosted() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.hostCtx != nil
}

// LoopRunning reports whether a monitoring loop runs in this process.
func (s *Scheduler) LoopRunning() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.loop != nil && s.loop.running()
}

// Jitter exposes the error backoff randomization.
func Jitter(d time.Duration) time.Duration {
	return jitter(d)
}
