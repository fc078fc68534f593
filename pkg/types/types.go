// Package types defines the domain model shared by the batchtest packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the compact date format used by the backtester and by pairlist file names.
const DateLayout = "20060102"

// DateRange is an inclusive calendar date range.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// String renders the range as YYYYMMDD-YYYYMMDD.
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + "-" + r.End.Format(DateLayout)
}

// BucketKind describes how a bucket was derived from its range.
type BucketKind string

const (
	BucketCalendar BucketKind = "calendar" // one calendar month, clamped to the range
	BucketFixed30  BucketKind = "fixed30"  // legacy 30-day step
	BucketWhole    BucketKind = "whole"    // the whole range as a single unit
)

// MonthBucket is one unit of work in time. End is inclusive.
type MonthBucket struct {
	Index int        `json:"index"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
	Kind  BucketKind `json:"kind"`
}

// Key identifies the bucket within a run.
func (b MonthBucket) Key() string {
	return fmt.Sprintf("%s-%s", b.Start.Format(DateLayout), b.End.Format(DateLayout))
}

// Timerange renders the bucket in the backtester's half-open form.
// Calendar buckets end the day after their last day; fixed30 buckets already
// end where the next bucket starts.
func (b MonthBucket) Timerange() string {
	end := b.End
	if b.Kind == BucketCalendar {
		end = end.AddDate(0, 0, 1)
	}
	return b.Start.Format(DateLayout) + "-" + end.Format(DateLayout)
}

// ConfigDate is the reference date used to pick the pairlist for the bucket.
func (b MonthBucket) ConfigDate() time.Time {
	if b.Kind == BucketWhole {
		return b.Start
	}
	return b.End
}

// ResolvedConfig is a pairlist configuration located for a bucket.
type ResolvedConfig struct {
	Path      string      `json:"path"`
	Bucket    MonthBucket `json:"bucket"`
	Pairs     []string    `json:"pairs"`
	Fallbacks int         `json:"fallbacks"` // months stepped back past the first target
}

// JobID identifies a job within a run.
type JobID string

// Job is a fully built backtester invocation. It is not modified after creation.
type Job struct {
	ID     JobID          `json:"id"`
	Args   []string       `json:"args"`
	Bucket MonthBucket    `json:"bucket"`
	Chunk  []string       `json:"chunk,omitempty"`
	Config ResolvedConfig `json:"-"`
}

// CommandLine renders Args as a single shell-quoted line for display.
func (j Job) CommandLine() string {
	return QuoteArgs(j.Args)
}

// JobStatus is the terminal state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// JobResult is produced by the scheduler for every submitted job.
type JobResult struct {
	Job        Job       `json:"job"`
	Status     JobStatus `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Err        error     `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time the job spent running.
func (r JobResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Artifact is a result file discovered after the jobs ran.
type Artifact struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// Correlation maps an artifact to the job presumed to have produced it.
type Correlation struct {
	Artifact Artifact   `json:"artifact"`
	Result   *JobResult `json:"-"`
	JobID    JobID      `json:"job_id,omitempty"`
	Command  []string   `json:"command"`
}

// QuoteArgs joins args with single-quoting where a shell would need it.
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`*?[]{}()<>|&;#~!") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

// ReportSchemaVersion is the current RunReport layout version.
const ReportSchemaVersion = 1

// RunReport summarizes one batch run. It is persisted as JSON.
type RunReport struct {
	SchemaVer    int             `json:"schema_version"`
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Timeranges   []string        `json:"timeranges"`
	BucketMode   BucketKind      `json:"bucket_mode"`
	Command      string          `json:"command"`
	Summary      RunSummary      `json:"summary"`
	Jobs         []JobRecord     `json:"jobs"`
	BucketErrors []BucketFailure `json:"bucket_errors,omitempty"`
	Correlations []Correlation   `json:"correlations,omitempty"`
	RenderOutput string          `json:"render_output,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Interrupted  bool            `json:"interrupted,omitempty"`
}

// Elapsed is the wall time of the run.
func (r RunReport) Elapsed() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary counts jobs per terminal status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts one result.
func (s *RunSummary) Add(status JobStatus) {
	s.Total++
	switch status {
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

// JobRecord is the persisted form of a JobResult.
type JobRecord struct {
	ID         JobID     `json:"id"`
	Bucket     string    `json:"bucket"`
	Config     string    `json:"config"`
	Pairs      int       `json:"pairs"`
	Command    string    `json:"command"`
	Status     JobStatus `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewJobRecord converts a result for persistence.
func NewJobRecord(r JobResult) JobRecord {
	rec := JobRecord{
		ID:         r.Job.ID,
		Bucket:     r.Job.Bucket.Key(),
		Config:     r.Job.Config.Path,
		Pairs:      len(r.Job.Chunk),
		Command:    r.Job.CommandLine(),
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// BucketFailure records a bucket that produced no jobs.
type BucketFailure struct {
	Bucket string `json:"bucket"`
	Error  string `json:"error"`
}
