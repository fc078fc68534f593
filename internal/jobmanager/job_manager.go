// ============================================================================
// batchtest Job Manager - job status board
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Track every job of a run through its lifecycle
//
// Design:
//   Hybrid layout, same as a classic job queue:
//   1. jobs map - single source of truth, each entry carries its Status
//   2. status indexes - pending/running/finished sets for O(1) stats
//   3. order slice - enqueue order, so listings follow the plan
//
// State machine:
//   Pending
//      ├─ MarkRunning() ──> Running
//      │                       └─ MarkFinished(succeeded|failed) ──> Succeeded / Failed
//      └─ MarkFinished(cancelled) ──> Cancelled (never started)
//
//   Finished states are terminal. Any other transition is rejected with
//   ErrInvalidTransition.
//
// Feeding:
//   The controller feeds the board from scheduler hooks during a run; the
//   journal command rebuilds one from a replayed journal.
//
// Concurrency:
//   sync.RWMutex guards all state; hooks fire from worker goroutines.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

var (
	// ErrDuplicateJob is returned when a job ID is enqueued twice
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for transitions the state machine forbids
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Entry is the board's view of one job.
type Entry struct {
	Job        types.Job       `json:"job"`
	Status     types.JobStatus `json:"status"`
	ExitCode   int             `json:"exit_code"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// JobManager is a concurrency-safe job status board
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*Entry
	order    []types.JobID
	pending  map[types.JobID]struct{}
	running  map[types.JobID]struct{}
	finished map[types.JobStatus]int
}

// NewJobManager creates an empty board
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[types.JobID]*Entry),
		order:    make([]types.JobID, 0),
		pending:  make(map[types.JobID]struct{}),
		running:  make(map[types.JobID]struct{}),
		finished: make(map[types.JobStatus]int),
	}
}

// Enqueue adds a job in pending state
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	jm.jobs[job.ID] = &Entry{Job: job, Status: types.StatusPending}
	jm.order = append(jm.order, job.ID)
	jm.pending[job.ID] = struct{}{}
	return nil
}

// MarkRunning moves a pending job to running
func (jm *JobManager) MarkRunning(id types.JobID, at time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s, not pending", ErrInvalidTransition, id, e.Status)
	}

	e.Status = types.StatusRunning
	e.StartedAt = at
	delete(jm.pending, id)
	jm.running[id] = struct{}{}
	return nil
}

// MarkFinished records a job's terminal result. Succeeded and failed
// require a running job; cancelled requires a pending one.
func (jm *JobManager) MarkFinished(r types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	id := r.Job.ID
	e, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	switch r.Status {
	case types.StatusSucceeded, types.StatusFailed:
		if e.Status != types.StatusRunning {
			return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, e.Status, r.Status)
		}
		delete(jm.running, id)
	case types.StatusCancelled:
		if e.Status != types.StatusPending {
			return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, e.Status, r.Status)
		}
		delete(jm.pending, id)
	default:
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, r.Status)
	}

	e.Status = r.Status
	e.ExitCode = r.ExitCode
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	if !r.StartedAt.IsZero() {
		e.StartedAt = r.StartedAt
	}
	e.FinishedAt = r.FinishedAt
	jm.finished[r.Status]++
	return nil
}

// Stats returns the number of jobs per status
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		string(types.StatusPending):   len(jm.pending),
		string(types.StatusRunning):   len(jm.running),
		string(types.StatusSucceeded): jm.finished[types.StatusSucceeded],
		string(types.StatusFailed):    jm.finished[types.StatusFailed],
		string(types.StatusCancelled): jm.finished[types.StatusCancelled],
	}
}

// Total returns the number of known jobs
func (jm *JobManager) Total() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Done reports whether every job reached a terminal state
func (jm *JobManager) Done() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.pending) == 0 && len(jm.running) == 0
}

// Entries returns copies of all entries in enqueue order
func (jm *JobManager) Entries() []Entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]Entry, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, *jm.jobs[id])
	}
	return out
}

// GetEntry returns a copy of the entry for id
func (jm *JobManager) GetEntry(id types.JobID) (Entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, ok := jm.jobs[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
