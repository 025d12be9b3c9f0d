package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted tasks. Submit must not block on task completion:
// running tasks submit their dependents through the same pool.
type Pool interface {
	Submit(task func())
}

type synchronous struct{}

func (synchronous) Submit(task func()) { task() }

// Synchronous is the single-thread stand-in. A pass given this pool builds
// every unit in order on the calling goroutine.
var Synchronous Pool = synchronous{}

// WorkerPool runs at most size tasks at a time.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewWorkerPool returns a pool bounded to size concurrent tasks.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the concurrency bound.
func (p *WorkerPool) Size() int { return p.size }

func (p *WorkerPool) Submit(task func()) {
	go func() {
		// Acquire with a background context never fails.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		task()
	}()
}

func isSynchronous(p Pool) bool {
	return p == nil || p == Synchronous
}
