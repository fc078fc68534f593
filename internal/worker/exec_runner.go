package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// DefaultKillGrace is how long a terminated job may take to exit before it
// is killed outright.
const DefaultKillGrace = 5 * time.Second

// ExecRunner runs each job as an external process. Args[0] is looked up on
// PATH; no shell is involved.
type ExecRunner struct {
	Dir       string    // working directory, empty means the current one
	Env       []string  // extra KEY=VALUE entries appended to os.Environ()
	Stdout    io.Writer // nil discards
	Stderr    io.Writer // nil discards
	KillGrace time.Duration
}

// Run starts the job and waits for it. When ctx is done the process group is
// sent SIGTERM, then SIGKILL once KillGrace has passed.
func (r *ExecRunner) Run(ctx context.Context, job types.Job) Outcome {
	if len(job.Args) == 0 {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("%w: job %s has no command", ErrJobExecution, job.ID)}
	}
	// never spawn once the run is cancelled
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrJobExecution, err)}
	}

	cmd := exec.Command(job.Args[0], job.Args[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("%w: start %s: %w", ErrJobExecution, job.Args[0], err)}
	}
	slog.Debug("process started", "job", job.ID, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		terminate(cmd)
		grace := r.KillGrace
		if grace <= 0 {
			grace = DefaultKillGrace
		}
		timer := time.NewTimer(grace)
		select {
		case err = <-done:
			timer.Stop()
		case <-timer.C:
			slog.Warn("process ignored SIGTERM, killing", "job", job.ID, "pid", cmd.Process.Pid)
			kill(cmd)
			err = <-done
		}
		return Outcome{ExitCode: exitCode(err), Err: fmt.Errorf("%w: %w", ErrJobExecution, ctx.Err())}
	}

	if err == nil {
		return Outcome{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{ExitCode: exitErr.ExitCode(), Err: &ExitError{Code: exitErr.ExitCode()}}
	}
	return Outcome{ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrJobExecution, err)}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}
