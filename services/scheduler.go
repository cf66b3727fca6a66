package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"meli-leader-bot/models"
	"meli-leader-bot/utils"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("a cycle is already in progress")

// CycleRunner executes one detection cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (models.CycleResult, error)
}

// Scheduler fires cycles immediately and then on a fixed interval. At most
// one cycle runs at a time; requests that arrive meanwhile are rejected,
// not queued.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	timeout  time.Duration
	logger   *utils.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(runner CycleRunner, interval, timeout time.Duration, logger *utils.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, timeout: timeout, logger: logger}
}

// Run blocks until ctx is cancelled and every started cycle has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("[scheduler] Polling every %v (cycle timeout %v)", s.interval, s.timeout)
	defer s.wg.Wait()

	s.fire(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[scheduler] Stopping")
			return nil
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// TriggerNow runs a cycle synchronously unless one is already running.
func (s *Scheduler) TriggerNow(ctx context.Context) (models.CycleResult, error) {
	return s.trigger(ctx)
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) fire(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.trigger(ctx); errors.Is(err, ErrCycleInProgress) {
			s.logger.Warn("[scheduler] Previous cycle still running, skipping tick")
		}
	}()
}

func (s *Scheduler) trigger(ctx context.Context) (models.CycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return models.CycleResult{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	cycleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.runner.RunCycle(cycleCtx)
	s.logger.Debug("[scheduler] Cycle %s finished in %v", result.CycleID, time.Since(start))
	return result, err
}
