// Package scheduler drives the recurring session-cache cleanup sweep.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is the store-side contract: one full demote+purge pass.
type Sweeper interface {
	Sweep()
}

// ErrNotStarted is returned by Stop when Start was never called. A scheduler
// that is constructed but never started is a latent defect; the lifecycle is
// explicit so tests can assert it.
var ErrNotStarted = errors.New("scheduler: not started")

// Scheduler owns the cleanup timer. It must be started once at process init
// and stopped on graceful shutdown.
type Scheduler struct {
	interval time.Duration
	sweeper  Sweeper
	cron     *cron.Cron
	started  atomic.Bool
}

// New creates a Scheduler. It does not start ticking until Start is called.
func New(interval time.Duration, sweeper Sweeper) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		interval: interval,
		sweeper:  sweeper,
		cron:     cron.New(),
	}
}

// Start begins the recurring sweep. Calling Start twice is an error.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already started")
	}
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.sweeper.Sweep); err != nil {
		s.started.Store(false)
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("Cleanup scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the timer and waits for an in-flight sweep to finish, so no
// sweep runs against a torn-down store.
func (s *Scheduler) Stop() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Cleanup scheduler stopped")
	return nil
}

// Running reports whether Start has been called.
func (s *Scheduler) Running() bool {
	return s.started.Load()
}
