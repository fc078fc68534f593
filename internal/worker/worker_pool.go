// ============================================================================
// batchtest Worker Pool - bounded job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manage the lifecycle of Worker goroutines and job distribution
//
// Design:
//   Worker Pool pattern:
//   1. A fixed number of Worker goroutines run for the whole batch
//   2. Jobs are distributed through a shared task channel
//   3. Results are collected through a result channel
//   4. The worker count is the concurrency bound: at most N external
//      processes exist at any moment
//
// Architecture:
//   ┌─────────────┐
//   │ Scheduler   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool() - create Pool, allocate channels
//   2. Start(ctx, n) - start n Worker goroutines bound to the run context
//   3. Submit(job) - enqueue a job
//   4. ReceiveResult() - read a result in completion order
//   5. Stop() - close taskCh and wait for every Worker to drain it
//
// Cancellation:
//   Cancelling the run context makes running jobs terminate and makes
//   Workers report every job they still receive as cancelled, so every
//   submitted job still yields exactly one result. Stop() does not cancel
//   anything by itself; cancel the context first to abandon queued jobs.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

var (
	// ErrPoolClosed indicates the Pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted indicates the Pool has not been started yet
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs jobs on a fixed number of Workers
type Pool struct {
	runner   Runner
	timeout  time.Duration
	hooks    Hooks
	workers  []*Worker
	taskCh   chan types.Job
	resultCh chan types.JobResult
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex // guards started/stopped/workers
}

// NewPool creates a Pool whose channels hold bufferSize jobs and results.
// Sizing the buffer to the batch size lets Submit never block.
func NewPool(runner Runner, bufferSize int) *Pool {
	return &Pool{
		runner:   runner,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan types.Job, bufferSize),
		resultCh: make(chan types.JobResult, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// SetTimeout sets the per-job timeout. Must be called before Start.
func (p *Pool) SetTimeout(d time.Duration) { p.timeout = d }

// SetHooks installs lifecycle observers. Must be called before Start.
func (p *Pool) SetHooks(h Hooks) { p.hooks = h }

// Start launches workerCount Workers bound to ctx
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.runner, p.timeout, p.hooks, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues a job. It blocks while the task buffer is full.
//
// The mutex is held for the send so Stop cannot close taskCh underneath it;
// Workers never take p.mu, so a blocked send always makes progress.
func (p *Pool) Submit(job types.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.taskCh <- job
	return nil
}

// ReceiveResult returns the next finished job in completion order
func (p *Pool) ReceiveResult() (types.JobResult, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return types.JobResult{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return types.JobResult{}, ErrPoolClosed
	}
}

// Stop closes the task channel and waits for every Worker to finish.
// Results not yet received are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started Workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
