package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// ErrJobExecution marks a job whose process could not run or exited non-zero.
var ErrJobExecution = errors.New("job execution failed")

// Runner executes one job to completion. Implementations must return promptly
// once ctx is done, terminating whatever they started.
type Runner interface {
	Run(ctx context.Context, job types.Job) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job types.Job) Outcome

// Run calls f(ctx, job).
func (f RunnerFunc) Run(ctx context.Context, job types.Job) Outcome { return f(ctx, job) }

// Outcome is what a Runner reports for a finished job.
type Outcome struct {
	ExitCode int   // process exit code, -1 when unknown or killed
	Err      error // nil only when the job succeeded
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v: exit status %d", ErrJobExecution, e.Code)
}

func (e *ExitError) Unwrap() error { return ErrJobExecution }

// Hooks observe job lifecycle events. OnStart is called from worker
// goroutines and must be safe for concurrent use.
type Hooks struct {
	OnStart  func(job types.Job)
	OnResult func(result types.JobResult)
}
