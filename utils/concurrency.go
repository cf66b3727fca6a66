package utils

import (
	"context"
	"sync"
	"time"
)

// WorkerPool runs jobs on a bounded number of goroutines and spaces job
// starts by at least the configured rate limit.
type WorkerPool struct {
	semaphore   chan struct{}
	minInterval time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	lastStart   time.Time
}

// NewWorkerPool creates a WorkerPool with the given concurrency and rate limit.
// maxWorkers below 1 is treated as 1.
func NewWorkerPool(maxWorkers, rateLimitMs int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		semaphore:   make(chan struct{}, maxWorkers),
		minInterval: time.Duration(rateLimitMs) * time.Millisecond,
	}
}

// Submit schedules job on the pool. It blocks while all workers are busy.
// If ctx is cancelled before a slot frees up, the job is dropped.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) {
	select {
	case wp.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}
	wp.wg.Add(1)

	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()

		if !wp.waitTurn(ctx) {
			return
		}
		job()
	}()
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) waitTurn(ctx context.Context) bool {
	if wp.minInterval <= 0 {
		return ctx.Err() == nil
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	if elapsed := time.Since(wp.lastStart); elapsed < wp.minInterval {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wp.minInterval - elapsed):
		}
	}
	wp.lastStart = time.Now()
	return true
}
