// Package dispatch runs the monitoring loop: fetch a snapshot, classify it, notify the updated
// entities and commit their watermarks, then sleep and repeat.
//
// Only one cycle executes at a time: a process local guard is backed by a cycle lease in the version
// store, so processes sharing a store never overlap. The persisted run status names the single loop
// allowed to run across those processes, and is only ever replaced by a compare-and-set on its run ID.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/monitor/classify"
	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/featurewatch/featurewatch/internal/monitor/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while another one executes.
	ErrCycleInProgress = errors.New("a dispatch cycle is already in progress")
	// ErrFetch marks a cycle aborted because the snapshot could not be fetched.
	ErrFetch = errors.New("snapshot fetch failed")
)

// MsgAlreadyRunning is reported by Start when a monitoring run is active.
const MsgAlreadyRunning = "already running"

// Config holds the timings of the loop.
type Config struct {
	// Interval is the delay between two successful cycles.
	Interval time.Duration
	// ErrorBackoff is the first delay after a failed cycle. It doubles on consecutive failures.
	ErrorBackoff time.Duration
	// MaxBackoff caps the error backoff. Defaults to half the interval.
	MaxBackoff time.Duration
	// StaleAfter is the heartbeat age past which a persisted run is considered dead. It also bounds
	// the cycle lease of a process that died mid-cycle. Defaults to five intervals.
	StaleAfter time.Duration
	// Concurrency is the number of notifications sent in parallel within a cycle.
	Concurrency int
	// AutoStart starts monitoring as soon as the scheduler is hosted, and keeps trying to take
	// over a stale run until monitoring is explicitly stopped.
	AutoStart bool
}

// Report summarizes a cycle.
type Report struct {
	CycleID   string        `json:"cycle_id"`
	Fetched   int           `json:"fetched"`
	New       int           `json:"new"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Skipped   int           `json:"skipped"`
	Notified  int           `json:"notified"`
	Failed    int           `json:"failed"`
	Muted     int           `json:"muted"`
	Duration  time.Duration `json:"duration"`
}

type dSource interface {
	Fetch(ctx context.Context) ([]models.EntityRecord, error)
}

type dStore interface {
	Get(ctx context.Context, key string) (models.VersionRecord, bool, error)
	Put(ctx context.Context, rec models.VersionRecord) error
	RunStatus(ctx context.Context) (models.RunStatus, error)
	SetRunStatus(ctx context.Context, status models.RunStatus) error
	SwapRunStatus(ctx context.Context, prevRunID string, status models.RunStatus) (bool, error)
	AcquireCycle(ctx context.Context, holder string, now, expires time.Time) (bool, error)
	ReleaseCycle(ctx context.Context, holder string) error
}

type dNotifier interface {
	Notify(ctx context.Context, rec models.EntityRecord) error
}

type dPolicy interface {
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
	AdvanceOnFailure() bool
	IsMuted(key string) bool
}

// Scheduler owns the monitoring loop.
type Scheduler struct {
	src      dSource
	store    dStore
	notifier dNotifier
	policy   dPolicy
	cfg      Config

	clock   clock.Clock
	newID   func() string
	log     *slog.Logger
	metrics *schedulerMetrics

	inProgress atomic.Bool

	startMu sync.Mutex
	hostCtx context.Context
	loop    *loopState
	stopped bool
}

type loopState struct {
	runID string
	stop  chan struct{}
	done  chan struct{}
}

func (l *loopState) running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *loopState) stopRequested() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

type options struct {
	clock  clock.Clock
	newID  func() string
	logger *slog.Logger
}

// Options represents an optional function to override Scheduler default values.
type Options func(*options)

// New creates a scheduler wiring the given components. Its metrics are registered on reg.
func New(src dSource, st dStore, n dNotifier, policy dPolicy, cfg Config, reg prometheus.Registerer, args ...Options) (*Scheduler, error) {
	opts := options{
		clock:  clock.WallClock,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = constants.DefaultErrorBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.Interval / 2
	}
	cfg.MaxBackoff = max(cfg.MaxBackoff, cfg.ErrorBackoff)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * cfg.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	m, err := newSchedulerMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		src:      src,
		store:    st,
		notifier: n,
		policy:   policy,
		cfg:      cfg,
		clock:    opts.clock,
		newID:    opts.newID,
		log:      opts.logger,
		metrics:  m,
	}, nil
}

// Run hosts the monitoring loop until ctx is canceled.
//
// Start can only launch a loop while Run is active. When Run returns, the local loop is stopped and
// the persisted run status is cleared if it still names that loop.
//
// Always returns a non-nil error, which is either a context error or a policy watcher error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startMu.Lock()
	if s.hostCtx != nil {
		s.startMu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.hostCtx = ctx
	s.startMu.Unlock()
	defer s.unhost(ctx)

	policyCh, policyErrCh, err := s.policy.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch notification policy: %v", err)
	}

	s.log.Info("Dispatch scheduler started", "interval", s.cfg.Interval, "autostart", s.cfg.AutoStart)
	if s.cfg.AutoStart {
		s.autoStart(ctx)
	}

	// Standby retries let a hosted scheduler take over a stale run.
	var (
		standby      clock.Timer
		standbyFired <-chan time.Time
	)
	if s.cfg.AutoStart {
		standby = s.clock.NewTimer(s.cfg.Interval)
		defer standby.Stop()
		standbyFired = standby.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Context canceled, stopping dispatch scheduler")
			return ctx.Err()

		case _, ok := <-policyCh:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("policy changes channel closed unexpectedly")
			}
			s.log.Info("Notification policy reloaded")

		case err, ok := <-policyErrCh:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("policy errors channel closed unexpectedly")
			}
			if err != nil {
				s.log.Error("Notification policy watcher error", "err", err)
			}

		case <-standbyFired:
			s.autoStart(ctx)
			standby.Reset(s.cfg.Interval)
		}
	}
}

func (s *Scheduler) autoStart(ctx context.Context) {
	s.startMu.Lock()
	skip := s.stopped || (s.loop != nil && s.loop.running())
	s.startMu.Unlock()
	if skip {
		return
	}

	ok, msg := s.Start(ctx)
	if !ok {
		s.log.Debug("Monitoring not started automatically", "reason", msg)
	}
}

func (s *Scheduler) unhost(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.hostCtx = nil
	l := s.loop
	if l == nil {
		return
	}
	s.loop = nil

	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done

	// The host context is gone: give the store a short, independent deadline.
	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.release(cleanCtx, l.runID); err != nil {
		s.log.Warn("Failed to clear run status on shutdown", "run", l.runID, "err", err)
	}
}

// release clears the persisted run status if it still names runID.
func (s *Scheduler) release(ctx context.Context, runID string) error {
	_, err := s.store.SwapRunStatus(ctx, runID, models.RunStatus{})
	return err
}

// Start launches the monitoring loop.
//
// It reports MsgAlreadyRunning without any side effect when a run is active, either in this process
// or, through the persisted run status, in another one. A run whose heartbeat is older than the
// stale threshold is taken over. Concurrent starts from several processes are settled by the store:
// only the first one replacing the status it read wins.
func (s *Scheduler) Start(ctx context.Context) (bool, string) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.hostCtx == nil {
		return false, "monitoring host is not ready"
	}
	if s.loop != nil && s.loop.running() {
		return false, MsgAlreadyRunning
	}

	status, err := s.store.RunStatus(ctx)
	if err != nil {
		s.log.Error("Failed to read run status", "err", err)
		return false, fmt.Sprintf("error starting monitoring: %v", err)
	}

	now := s.clock.Now()
	if status.IsRunning {
		if !status.Stale(now, s.cfg.StaleAfter) {
			return false, MsgAlreadyRunning
		}
		s.log.Warn("Taking over stale monitoring run", "previous_run", status.RunID, "heartbeat", status.HeartbeatAt)
	}

	runID := s.newID()
	swapped, err := s.store.SwapRunStatus(ctx, status.RunID, models.RunStatus{
		IsRunning:   true,
		StartedAt:   now,
		RunID:       runID,
		HeartbeatAt: now,
	})
	if err != nil {
		s.log.Error("Failed to persist run status", "err", err)
		return false, fmt.Sprintf("error starting monitoring: %v", err)
	}
	if !swapped {
		s.log.Info("Another instance started monitoring first", "previous_run", status.RunID)
		return false, MsgAlreadyRunning
	}

	l := &loopState{
		runID: runID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.loop = l
	s.stopped = false
	go s.runLoop(s.hostCtx, l)

	s.log.Info("Monitoring started", "run", runID)
	return true, "monitoring started"
}

// Stop ends the monitoring loop and clears the persisted run status.
//
// The local loop finishes its current notification before exiting. A loop running in another
// process exits at its next ownership check.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.stopped = true
	if l := s.loop; l != nil {
		select {
		case <-l.stop:
		default:
			close(l.stop)
		}

		select {
		case <-l.done:
		case <-ctx.Done():
			return fmt.Errorf("monitoring loop did not stop: %v", ctx.Err())
		}
		s.loop = nil
	}

	if err := s.store.SetRunStatus(ctx, models.RunStatus{}); err != nil {
		return fmt.Errorf("failed to clear run status: %v", err)
	}

	s.log.Info("Monitoring stopped")
	return nil
}

// Status reports whether monitoring is running according to the persisted run status.
// If the status cannot be read, it falls back to the state of the local loop.
func (s *Scheduler) Status(ctx context.Context) bool {
	status, err := s.store.RunStatus(ctx)
	if err != nil {
		s.log.Warn("Failed to read run status", "err", err)
		s.startMu.Lock()
		defer s.startMu.Unlock()
		return s.loop != nil && s.loop.running()
	}
	return status.IsRunning
}

// RunStatus returns the persisted run status.
func (s *Scheduler) RunStatus(ctx context.Context) (models.RunStatus, error) {
	return s.store.RunStatus(ctx)
}

// RunCycle executes a single cycle outside of the loop.
// It returns ErrCycleInProgress if a cycle is already executing, in this process or in another one
// sharing the version store.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	return s.cycle(ctx, nil)
}

func (s *Scheduler) runLoop(ctx context.Context, l *loopState) {
	defer close(l.done)

	s.metrics.active.Set(1)
	defer s.metrics.active.Set(0)

	log := s.log.With("run", l.runID)
	backoff := s.cfg.ErrorBackoff

	for {
		if l.stopRequested() || ctx.Err() != nil {
			log.Debug("Monitoring loop stopping")
			return
		}

		owned, err := s.heartbeat(ctx, l.runID)
		if err != nil {
			log.Warn("Failed to refresh run status", "err", err)
		} else if !owned {
			log.Info("Run status no longer names this run, stopping monitoring loop")
			return
		}

		_, err = s.cycle(ctx, l.stop)

		sleep := s.cfg.Interval
		switch {
		case errors.Is(err, ErrCycleInProgress):
			sleep = s.cfg.ErrorBackoff
			log.Debug("Skipped cycle, another one is in progress", "retry_in", sleep)
		case err != nil:
			sleep = jitter(backoff)
			backoff = min(backoff*2, s.cfg.MaxBackoff)
			log.Warn("Dispatch cycle failed", "retry_in", sleep, "err", err)
		default:
			backoff = s.cfg.ErrorBackoff
		}

		timer := s.clock.NewTimer(sleep)
		select {
		case <-timer.Chan():
		case <-l.stop:
			timer.Stop()
			log.Debug("Monitoring loop stopped while sleeping")
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// heartbeat refreshes the heartbeat of runID and reports whether the run status still names it.
// A status cleared or taken over in the meantime is never overwritten.
func (s *Scheduler) heartbeat(ctx context.Context, runID string) (bool, error) {
	status, err := s.store.RunStatus(ctx)
	if err != nil {
		return false, err
	}
	if !status.IsRunning || status.RunID != runID {
		return false, nil
	}

	status.HeartbeatAt = s.clock.Now()
	swapped, err := s.store.SwapRunStatus(ctx, runID, status)
	if err != nil {
		return true, err
	}
	return swapped, nil
}

// cycle runs fetch, classify, baseline, notify and commit. stop is checked between entities.
func (s *Scheduler) cycle(ctx context.Context, stop <-chan struct{}) (rep Report, err error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return rep, ErrCycleInProgress
	}
	defer s.inProgress.Store(false)

	start := s.clock.Now()
	rep.CycleID = s.newID()
	log := s.log.With("cycle", rep.CycleID)

	leased, err := s.store.AcquireCycle(ctx, rep.CycleID, start, start.Add(s.cfg.StaleAfter))
	if err != nil {
		return rep, fmt.Errorf("failed to acquire cycle lease: %w", err)
	}
	if !leased {
		log.Debug("Cycle lease held by another instance")
		return rep, ErrCycleInProgress
	}
	defer func() {
		// The cycle context may be gone already.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.store.ReleaseCycle(releaseCtx, rep.CycleID); err != nil {
			log.Warn("Failed to release cycle lease", "err", err)
		}
	}()

	defer func() {
		rep.Duration = s.clock.Now().Sub(start)
		s.metrics.duration.Observe(rep.Duration.Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		s.metrics.cycles.WithLabelValues(result).Inc()
	}()

	log.Debug("Starting dispatch cycle")
	snapshot, err := s.src.Fetch(ctx)
	if err != nil {
		return rep, errors.Join(ErrFetch, err)
	}
	rep.Fetched = len(snapshot)

	res, err := classify.Classify(ctx, snapshot, s.store, classify.WithLogger(log))
	if err != nil {
		return rep, fmt.Errorf("failed to classify snapshot: %w", err)
	}
	rep.New, rep.Updated, rep.Unchanged, rep.Skipped = len(res.New), len(res.Updated), len(res.Unchanged), res.Skipped
	s.metrics.classified.WithLabelValues("new").Add(float64(rep.New))
	s.metrics.classified.WithLabelValues("updated").Add(float64(rep.Updated))
	s.metrics.classified.WithLabelValues("unchanged").Add(float64(rep.Unchanged))
	s.metrics.classified.WithLabelValues("skipped").Add(float64(rep.Skipped))

	var (
		mu      sync.Mutex
		commits error
	)

	for _, rec := range res.New {
		if err := s.store.Put(ctx, models.VersionRecord{Key: rec.Key, LastVersion: rec.Version}); err != nil {
			log.Error("Failed to store baseline version", "key", rec.Key, "version", rec.Version, "err", err)
			commits = errors.Join(commits, err)
			continue
		}
		log.Info("Baselined new entity", "key", rec.Key, "name", rec.Name, "version", rec.Version)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i, rec := range res.Updated {
		if stopped(stop) || gctx.Err() != nil {
			log.Info("Dispatch cycle interrupted", "remaining", len(res.Updated)-i)
			break
		}

		prev := res.Previous[rec.Key]
		if s.policy.IsMuted(rec.Key) {
			log.Info("Skipping notification for muted entity", "key", rec.Key, "from", prev.LastVersion, "to", rec.Version)
			s.metrics.notifications.WithLabelValues("muted").Inc()
			mu.Lock()
			rep.Muted++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			// The limit may have held this delivery back while a stop was requested.
			if stopped(stop) {
				return nil
			}
			delivered, err := s.deliver(gctx, log, rec, prev)
			mu.Lock()
			defer mu.Unlock()
			if delivered {
				rep.Notified++
			} else {
				rep.Failed++
			}
			commits = errors.Join(commits, err)
			// Never cancel sibling deliveries.
			return nil
		})
	}
	_ = g.Wait()

	if commits != nil {
		return rep, fmt.Errorf("failed to commit versions: %w", commits)
	}

	log.Info("Dispatch cycle completed",
		"fetched", rep.Fetched, "new", rep.New, "updated", rep.Updated, "unchanged", rep.Unchanged,
		"notified", rep.Notified, "failed", rep.Failed, "muted", rep.Muted)
	return rep, nil
}

// deliver notifies rec and commits its watermark on success.
// The returned error only reports persistence failures.
func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, rec models.EntityRecord, prev models.VersionRecord) (delivered bool, err error) {
	if err := s.notifier.Notify(ctx, rec); err != nil {
		s.metrics.notifications.WithLabelValues("failed").Inc()
		if !s.policy.AdvanceOnFailure() {
			log.Warn("Notification failed, version left in place", "key", rec.Key, "from", prev.LastVersion, "to", rec.Version, "err", err)
			return false, nil
		}

		log.Warn("Notification failed, advancing version per policy", "key", rec.Key, "from", prev.LastVersion, "to", rec.Version, "err", err)
		return false, s.commit(ctx, log, models.VersionRecord{
			Key:            rec.Key,
			LastVersion:    rec.Version,
			LastNotifiedAt: prev.LastNotifiedAt,
		})
	}

	s.metrics.notifications.WithLabelValues("delivered").Inc()
	return true, s.commit(ctx, log, models.VersionRecord{
		Key:            rec.Key,
		LastVersion:    rec.Version,
		LastNotifiedAt: s.clock.Now(),
	})
}

func (s *Scheduler) commit(ctx context.Context, log *slog.Logger, rec models.VersionRecord) error {
	err := s.store.Put(ctx, rec)
	if errors.Is(err, store.ErrVersionRegression) {
		log.Warn("Version already advanced past this change", "key", rec.Key, "version", rec.LastVersion, "err", err)
		return nil
	}
	if err != nil {
		log.Error("Failed to commit version", "key", rec.Key, "version", rec.LastVersion, "err", err)
		return err
	}
	return nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// jitter returns a duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	// #nosec:G404 We don't need cryptographic randomness.
	return half + time.Duration(rand.Int63n(int64(half)))
}
