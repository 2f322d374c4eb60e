// Package scheduler runs at most one named periodic task at a time. The Scheduler is an
// explicit handle owned by its caller.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/celerix-dev/celerix-spc/internal/metrics"
)

// DefaultTimeout bounds a single tick when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrBusy is returned by RunOnce while another tick is running.
var ErrBusy = errors.New("a sync is already running")

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Options configure a Scheduler.
type Options struct {
	// Timeout bounds each tick.
	Timeout time.Duration
	Logger  *zap.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Scheduler owns the single active periodic task.
type Scheduler struct {
	mu      sync.Mutex
	active  *run
	sem     *semaphore.Weighted
	running sync.WaitGroup
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

type run struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Scheduler.
func New(opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		// Shared across restarts so a tick left over from a replaced task still blocks overlap.
		sem:     semaphore.NewWeighted(1),
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Start stops any active task, runs task once immediately and then every interval.
func (s *Scheduler) Start(ctx context.Context, name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", interval)
	}
	if task == nil {
		return errors.New("sync task is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	r := &run{name: name, cancel: cancel, done: make(chan struct{})}
	s.active = r
	go s.loop(loopCtx, r, interval, task)

	s.log.Info("sync started", zap.String("task", name), zap.Duration("interval", interval))
	return nil
}

// Stop halts the active task. No tick is dispatched after Stop returns; a tick already
// running completes and its result is applied. Use Wait to block until it finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.active == nil {
		return
	}
	s.active.cancel()
	<-s.active.done
	s.log.Info("sync stopped", zap.String("task", s.active.name))
	s.active = nil
}

// Wait blocks until every dispatched tick has returned. Call it after Stop.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// Active reports the name of the active task.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.name, true
}

// RunOnce runs task synchronously under the same overlap guard as scheduled ticks.
func (s *Scheduler) RunOnce(ctx context.Context, name string, task Task) error {
	if !s.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer s.sem.Release(1)
	tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.execute(tickCtx, name, task)
}

func (s *Scheduler) loop(ctx context.Context, r *run, interval time.Duration, task Task) {
	defer close(r.done)

	s.dispatch(ctx, r.name, task)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, r.name, task)
		}
	}
}

// dispatch launches one tick unless the loop is stopping or the previous tick is still running.
func (s *Scheduler) dispatch(ctx context.Context, name string, task Task) {
	if ctx.Err() != nil {
		return
	}
	if !s.sem.TryAcquire(1) {
		s.log.Debug("sync tick skipped, previous still running", zap.String("task", name))
		if s.metrics != nil {
			s.metrics.SchedulerSkipped.Inc()
		}
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.sem.Release(1)
		// Detached: stopping the loop must not cancel work already in flight.
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		_ = s.execute(tickCtx, name, task)
	}()
}

// execute runs task, converting a panic into an error, and records the outcome.
func (s *Scheduler) execute(ctx context.Context, name string, task Task) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sync task panicked: %v", p)
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.SyncRuns.WithLabelValues(name, metrics.Outcome(err)).Inc()
			s.metrics.SyncDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		}
		if err != nil {
			s.log.Error("sync tick failed", zap.String("task", name), zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		s.log.Debug("sync tick finished", zap.String("task", name), zap.Duration("elapsed", elapsed))
	}()
	return task(ctx)
}
