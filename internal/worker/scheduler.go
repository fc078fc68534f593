package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// DefaultMaxConcurrency is the number of jobs run at once when unset.
const DefaultMaxConcurrency = 12

// Scheduler runs a batch of jobs with bounded concurrency.
type Scheduler struct {
	Runner         Runner
	MaxConcurrency int           // <= 0 means runtime.NumCPU()
	JobTimeout     time.Duration // 0 disables the per-job timeout
	Hooks          Hooks
}

// NewScheduler returns a Scheduler using DefaultMaxConcurrency.
func NewScheduler(runner Runner) *Scheduler {
	return &Scheduler{Runner: runner, MaxConcurrency: DefaultMaxConcurrency}
}

func (s *Scheduler) concurrency(jobs int) int {
	n := s.MaxConcurrency
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > jobs {
		n = jobs
	}
	return n
}

// Run executes every job and returns one result per job in completion order.
// A failing job never stops the batch. Once ctx is cancelled no new job is
// started; running jobs are terminated and the rest are reported cancelled.
// The error is non-nil only when the pool itself cannot be set up.
func (s *Scheduler) Run(ctx context.Context, jobs []types.Job) ([]types.JobResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if s.Runner == nil {
		return nil, errors.New("scheduler has no runner")
	}

	pool := NewPool(s.Runner, len(jobs))
	pool.SetTimeout(s.JobTimeout)
	pool.SetHooks(Hooks{OnStart: s.Hooks.OnStart})

	if err := pool.Start(ctx, s.concurrency(len(jobs))); err != nil {
		return nil, fmt.Errorf("start pool: %w", err)
	}
	defer pool.Stop()

	slog.Info("scheduling jobs", "jobs", len(jobs), "workers", pool.GetWorkerCount(), "timeout", s.JobTimeout)

	for _, job := range jobs {
		if err := pool.Submit(job); err != nil {
			return nil, fmt.Errorf("submit %s: %w", job.ID, err)
		}
	}

	results := make([]types.JobResult, 0, len(jobs))
	for range jobs {
		result, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		logResult(result)
		if s.Hooks.OnResult != nil {
			s.Hooks.OnResult(result)
		}
		results = append(results, result)
	}
	return results, nil
}

func logResult(r types.JobResult) {
	switch r.Status {
	case types.StatusSucceeded:
		slog.Info("job finished", "job", r.Job.ID, "duration", r.Duration())
	case types.StatusCancelled:
		slog.Warn("job cancelled before start", "job", r.Job.ID)
	default:
		slog.Error("job failed", "job", r.Job.ID, "exit_code", r.ExitCode, "error", r.Err)
	}
}
