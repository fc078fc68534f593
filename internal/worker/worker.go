// ============================================================================
// batchtest Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive job from taskCh (blocking wait)
//   2. If the run context is already done, report the job as cancelled without starting it
//   3. Otherwise run it through the Runner (with optional per-job timeout)
//   4. Send result to resultCh
//   5. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for job := range taskCh      │   │
//   │  │   ├─ ctx done? -> cancelled  │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ runner.Run(job)         │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   When a timeout is configured each job gets its own context.WithTimeout
//   derived from the run context. The Runner kills the process when it fires.
//
// Error Handling:
//   - Non-zero exit: status failed, Err wraps ErrJobExecution
//   - Timeout: status failed, Err wraps context.DeadlineExceeded
//   - Run cancelled mid-job: status failed, Err wraps context.Canceled
//   - Runner panic: recovered, status failed
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int                    // Worker identifier, used for logging
	runner   Runner                 // executes the job's process
	timeout  time.Duration          // per-job timeout, 0 disables it
	hooks    Hooks                  // lifecycle observers
	taskCh   <-chan types.Job       // Task channel (read-only)
	resultCh chan<- types.JobResult // Result channel (write-only)
	stopCh   <-chan struct{}        // closed by Pool.Stop; pending results are dropped
}

// newWorker creates a new Worker instance
func newWorker(id int, runner Runner, timeout time.Duration, hooks Hooks, taskCh <-chan types.Job, resultCh chan<- types.JobResult, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		timeout:  timeout,
		hooks:    hooks,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. Every received job produces exactly one result.
func (w *Worker) Run(ctx context.Context) {
	for job := range w.taskCh {
		var result types.JobResult
		if ctx.Err() != nil {
			result = cancelledResult(job)
		} else {
			result = w.execute(ctx, job)
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			slog.Debug("dropping result after stop", "worker", w.id, "job", job.ID)
		}
	}
}

// execute runs a single job and converts the runner outcome into a JobResult
func (w *Worker) execute(ctx context.Context, job types.Job) (result types.JobResult) {
	if w.hooks.OnStart != nil {
		w.hooks.OnStart(job)
	}

	result = types.JobResult{Job: job, StartedAt: time.Now()}

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("runner panicked", "worker", w.id, "job", job.ID, "panic", r)
			result.Status = types.StatusFailed
			result.ExitCode = -1
			result.Err = fmt.Errorf("%w: runner panic: %v", ErrJobExecution, r)
			result.FinishedAt = time.Now()
		}
	}()

	out := w.runner.Run(jobCtx, job)
	result.FinishedAt = time.Now()
	result.ExitCode = out.ExitCode

	switch {
	case out.Err == nil && out.ExitCode == 0:
		result.Status = types.StatusSucceeded
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Status = types.StatusFailed
		result.Err = fmt.Errorf("%w: timed out after %s: %w", ErrJobExecution, w.timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		result.Status = types.StatusFailed
		result.Err = fmt.Errorf("%w: terminated: %w", ErrJobExecution, ctx.Err())
	default:
		result.Status = types.StatusFailed
		result.Err = out.Err
		if result.Err == nil {
			result.Err = &ExitError{Code: out.ExitCode}
		}
	}
	return result
}

func cancelledResult(job types.Job) types.JobResult {
	return types.JobResult{
		Job:      job,
		Status:   types.StatusCancelled,
		ExitCode: -1,
		Err:      context.Canceled,
	}
}
