package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meli-leader-bot/models"
)

type fakeRunner struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newFakeRunner(blocking bool) *fakeRunner {
	r := &fakeRunner{started: make(chan struct{}, 100)}
	if blocking {
		r.release = make(chan struct{})
	}
	return r
}

func (r *fakeRunner) RunCycle(ctx context.Context) (models.CycleResult, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return models.CycleResult{}, ctx.Err()
		}
	}
	return models.CycleResult{CycleID: "c"}, nil
}

func waitStarted(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not start")
	}
}

func runScheduler(s *Scheduler) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func stopScheduler(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerFiresImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner(false)
	s := NewScheduler(r, time.Hour, time.Second, newTestLogger())
	cancel, done := runScheduler(s)

	waitStarted(t, r)
	stopScheduler(t, cancel, done)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestSchedulerTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner(false)
	s := NewScheduler(r, 10*time.Millisecond, time.Second, newTestLogger())
	cancel, done := runScheduler(s)

	for i := 0; i < 3; i++ {
		waitStarted(t, r)
	}
	stopScheduler(t, cancel, done)
	assert.GreaterOrEqual(t, r.calls.Load(), int32(3))
}

func TestSchedulerRejectsOverlap(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner(true)
	s := NewScheduler(r, 5*time.Millisecond, 5*time.Second, newTestLogger())
	cancel, done := runScheduler(s)

	waitStarted(t, r)
	require.True(t, s.Running())

	_, err := s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	// Let several ticks pass while the first cycle is still blocked.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())

	close(r.release)
	stopScheduler(t, cancel, done)
	assert.False(t, s.Running())
}

func TestSchedulerTriggerNow(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner(false)
	s := NewScheduler(r, time.Hour, time.Second, newTestLogger())

	res, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c", res.CycleID)
	assert.False(t, s.Running())
}

func TestSchedulerCycleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner(true)
	s := NewScheduler(r, time.Hour, 20*time.Millisecond, newTestLogger())

	_, err := s.TriggerNow(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
