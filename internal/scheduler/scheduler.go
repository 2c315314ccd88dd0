// Package scheduler runs periodic batch refresh sweeps on a cron
// schedule.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/oauth"
)

// BatchRunner is the coordinator surface the scheduler drives.
type BatchRunner interface {
	RefreshExpiring(ctx context.Context, buffer time.Duration) (*oauth.BatchResult, error)
}

// Scheduler triggers batch refresh runs. A tick is skipped when the
// previous run in this process is still in flight; cross-process
// overlap is already safe because every credential is refreshed under
// its advisory lock.
type Scheduler struct {
	cron    *cron.Cron
	runner  BatchRunner
	buffer  time.Duration
	logger  logging.Logger
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(runner BatchRunner, schedule string, buffer time.Duration, logger logging.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		runner: runner,
		buffer: buffer,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Start begins scheduling. It returns immediately; runs happen on the
// cron goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("Starting refresh scheduler",
		logging.Duration("buffer", s.buffer))
	s.cron.Start()
}

// Stop halts scheduling and cancels any in-flight run, waiting for the
// cron goroutine to wind down.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()
	s.logger.Info("Refresh scheduler stopped")
}

// RunNow triggers a sweep outside the schedule, honoring the same
// overlap guard.
func (s *Scheduler) RunNow() {
	s.tick()
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Skipping refresh run, previous run still in flight")
		return
	}
	defer s.running.Store(false)

	result, err := s.runner.RefreshExpiring(s.ctx, s.buffer)
	if err != nil {
		s.logger.Error("Refresh run aborted", err)
		return
	}
	if result.Failed > 0 {
		s.logger.Warn("Refresh run completed with failures",
			logging.Int("failed", result.Failed),
			logging.Int("successful", result.Successful),
			logging.Int("skipped", result.Skipped))
	}
}
