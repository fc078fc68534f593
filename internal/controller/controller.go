// ============================================================================
// batchtest Controller - run orchestrator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Coordinate every module for one batch run
//
// Architecture:
//   The controller owns the run and wires these components together:
//   - timerange: ranges -> month buckets
//   - plan.Planner: buckets -> pairlist configs -> chunked jobs
//   - worker.Scheduler: bounded concurrent execution
//   - jobmanager.JobManager: live status board (progress logs)
//   - wal.WAL: optional append-only journal of job lifecycle events
//   - metrics.Collector: optional Prometheus instrumentation
//   - correlate: result files -> jobs, then rendering commands
//   - report.Manager: atomic persistence of the RunReport
//
// Run flow:
//   1. Plan()        - parse ranges, bucketize, resolve and build jobs
//   2. schedule      - journal SUBMIT, run jobs, hooks feed board/journal/metrics
//   3. correlate     - map newest result files to successful jobs
//   4. render        - run each rendering command sequentially, output to
//                      backtest_output_<YYYY-MM-DD_HH-MM>.txt
//   5. report        - build and persist the RunReport
//
// Failure model:
//   - invalid range or template: Run fails before any job starts
//   - unresolvable bucket: recorded in the report, other buckets still run
//   - failed job: recorded, the batch continues
//   - cancelled context: no new jobs; correlation and rendering are skipped,
//     the report is still written with Interrupted set
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/batchtest/internal/correlate"
	"github.com/ChuLiYu/batchtest/internal/jobmanager"
	"github.com/ChuLiYu/batchtest/internal/metrics"
	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/ChuLiYu/batchtest/internal/plan"
	"github.com/ChuLiYu/batchtest/internal/report"
	"github.com/ChuLiYu/batchtest/internal/storage/wal"
	"github.com/ChuLiYu/batchtest/internal/timerange"
	"github.com/ChuLiYu/batchtest/internal/worker"
	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/google/uuid"
)

// OutputLayout names the rendering output file.
const OutputLayout = "2006-01-02_15-04"

// ============================================================================
// Configuration
// ============================================================================

// Config describes one run
type Config struct {
	Timeranges     []string         // one or more ranges, "YYYYMMDD-[YYYYMMDD]"
	BucketMode     types.BucketKind // calendar, fixed30 or whole
	Command        string           // backtest command template
	ChunkSize      int              // pairs per job, <= 0 disables chunking
	MaxConcurrency int              // <= 0 means runtime.NumCPU()
	JobTimeout     time.Duration    // 0 disables
	WorkDir        string           // working directory of spawned processes

	Naming      pairlist.Naming
	MaxLookback int

	ResultsDir    string // where the backtester writes result files, empty disables correlation
	ResultExt     string
	ResultExclude string

	RenderCommand string // rendering template, empty disables rendering
	RenderConfig  string // {config} when a correlation has no job
	OutputDir     string // directory for backtest_output_*.txt

	JournalPath   string // empty disables the journal
	ReportPath    string // empty disables persistence
	ReportBackups int    // archived reports to keep, see report.Manager.WriteWithBackup
}

// RenderRunnerFunc builds the runner used for rendering commands; output
// of every command goes to w.
type RenderRunnerFunc func(w io.Writer) worker.Runner

// Controller runs batches
type Controller struct {
	config       Config
	backtest     plan.Template
	render       plan.Template
	runner       worker.Runner
	renderRunner RenderRunnerFunc
	metrics      *metrics.Collector
	wal          *wal.WAL
	report       *report.Manager
	cache        *pairlist.Cache
	now          func() time.Time
}

// Option customizes a Controller
type Option func(*Controller)

// WithRunner replaces the process runner for backtest jobs
func WithRunner(r worker.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithRenderRunner replaces the runner factory for rendering commands
func WithRenderRunner(f RenderRunnerFunc) Option {
	return func(c *Controller) { c.renderRunner = f }
}

// WithMetrics enables instrumentation
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock injects the clock used for open-ended ranges and file names
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController validates cfg and opens the journal when configured. A
// journal that cannot be opened is logged and the controller runs without
// one. Close must be called to release it.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	backtest, err := plan.ParseTemplate(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("backtest command: %w", err)
	}

	c := &Controller{
		config:   cfg,
		backtest: backtest,
		cache:    pairlist.NewCache(),
		now:      time.Now,
	}

	if cfg.RenderCommand != "" {
		if c.render, err = plan.ParseTemplate(cfg.RenderCommand); err != nil {
			return nil, fmt.Errorf("render command: %w", err)
		}
	}

	c.runner = &worker.ExecRunner{Dir: cfg.WorkDir, Stdout: os.Stdout, Stderr: os.Stderr}
	c.renderRunner = func(w io.Writer) worker.Runner {
		return &worker.ExecRunner{Dir: cfg.WorkDir, Stdout: w, Stderr: w}
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.ReportPath != "" {
		c.report = report.NewManager(cfg.ReportPath)
	}
	// the journal is an audit trail; a run goes ahead without it
	if cfg.JournalPath != "" {
		if c.wal, err = wal.NewWAL(cfg.JournalPath, false); err != nil {
			slog.Error("failed to open journal, running without it", "path", cfg.JournalPath, "error", err)
			c.wal = nil
		}
	}
	return c, nil
}

// Close releases the journal
func (c *Controller) Close() error {
	if c.wal == nil {
		return nil
	}
	return c.wal.Close()
}

// ============================================================================
// Planning
// ============================================================================

// Plan parses the configured ranges and builds every job without running
// anything. Errors are fatal: invalid range, unknown mode or bad template.
func (c *Controller) Plan(ctx context.Context) (*plan.Plan, error) {
	if len(c.config.Timeranges) == 0 {
		return nil, fmt.Errorf("%w: no range given", timerange.ErrInvalidRange)
	}

	now := c.now()
	var ranges []types.DateRange
	for _, s := range c.config.Timeranges {
		rs, err := timerange.ParseList(s, now)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, rs...)
	}

	mode := c.config.BucketMode
	if mode == "" {
		mode = types.BucketCalendar
	}
	buckets, err := timerange.BucketizeAll(ranges, mode)
	if err != nil {
		return nil, err
	}

	planner := &plan.Planner{
		Resolver:  pairlist.NewResolver(c.config.Naming, c.config.MaxLookback, c.cache),
		Template:  c.backtest,
		ChunkSize: c.config.ChunkSize,
	}
	return planner.Plan(ctx, buckets)
}

// ============================================================================
// Run
// ============================================================================

// Run executes one batch and returns its report. The error is non-nil only
// for failures that prevent the batch from running at all, or when the
// report cannot be persisted.
func (c *Controller) Run(ctx context.Context) (*types.RunReport, error) {
	runID := uuid.NewString()
	rep := &types.RunReport{
		RunID:      runID,
		StartedAt:  c.now(),
		Timeranges: c.config.Timeranges,
		BucketMode: c.config.BucketMode,
		Command:    c.backtest.String(),
	}
	if rep.BucketMode == "" {
		rep.BucketMode = types.BucketCalendar
	}
	runLog := slog.With("run", runID)

	p, err := c.Plan(ctx)
	if err != nil {
		return nil, err
	}
	c.recordPlan(rep, p)

	c.journal(func(w *wal.WAL) error { return w.RunStarted(runID) })

	board := jobmanager.NewJobManager()
	for _, job := range p.Jobs {
		if err := board.Enqueue(job); err != nil {
			return nil, err
		}
		c.journal(func(w *wal.WAL) error { return w.Submitted(runID, job) })
	}
	if c.metrics != nil {
		c.metrics.RecordSubmit(len(p.Jobs))
	}

	runLog.Info("run started", "buckets", len(p.Configs)+len(p.BucketErrors), "jobs", len(p.Jobs))

	scheduler := &worker.Scheduler{
		Runner:         c.runner,
		MaxConcurrency: c.config.MaxConcurrency,
		JobTimeout:     c.config.JobTimeout,
		Hooks:          c.hooks(runID, board),
	}
	results, err := scheduler.Run(ctx, p.Jobs)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		rep.Summary.Add(r.Status)
		rep.Jobs = append(rep.Jobs, types.NewJobRecord(r))
	}

	if ctx.Err() != nil {
		rep.Interrupted = true
		runLog.Warn("run interrupted, skipping correlation and rendering")
	} else if c.config.ResultsDir != "" {
		c.correlateAndRender(ctx, rep, results)
	}

	c.journal(func(w *wal.WAL) error { return w.RunEnded(runID) })
	rep.FinishedAt = c.now()

	runLog.Info("run finished",
		"succeeded", rep.Summary.Succeeded,
		"failed", rep.Summary.Failed,
		"cancelled", rep.Summary.Cancelled,
		"elapsed", rep.Elapsed().Round(time.Second))

	if c.report != nil {
		if err := c.report.WriteWithBackup(*rep, c.config.ReportBackups); err != nil {
			return rep, fmt.Errorf("failed to write report: %w", err)
		}
	}
	return rep, nil
}

func (c *Controller) recordPlan(rep *types.RunReport, p *plan.Plan) {
	for _, cfg := range p.Configs {
		if c.metrics != nil {
			c.metrics.RecordConfig(cfg)
		}
		if cfg.Fallbacks > 0 {
			slog.Warn("using older pairlist", "bucket", cfg.Bucket.Key(), "path", cfg.Path, "months_back", cfg.Fallbacks)
		}
	}
	for _, be := range p.BucketErrors {
		if c.metrics != nil {
			c.metrics.RecordBucketError()
		}
		rep.BucketErrors = append(rep.BucketErrors, types.BucketFailure{Bucket: be.Bucket.Key(), Error: be.Err.Error()})
	}
}

// hooks feeds the status board, journal and metrics from worker goroutines
func (c *Controller) hooks(runID string, board *jobmanager.JobManager) worker.Hooks {
	return worker.Hooks{
		OnStart: func(job types.Job) {
			if err := board.MarkRunning(job.ID, time.Now()); err != nil {
				slog.Error("status board", "job", job.ID, "error", err)
			}
			c.journal(func(w *wal.WAL) error { return w.Started(runID, job) })
			if c.metrics != nil {
				c.metrics.RecordStart()
			}
		},
		OnResult: func(r types.JobResult) {
			if err := board.MarkFinished(r); err != nil {
				slog.Error("status board", "job", r.Job.ID, "error", err)
			}
			c.journal(func(w *wal.WAL) error { return w.Finished(runID, r) })
			if c.metrics != nil {
				c.metrics.RecordResult(r)
			}
			stats := board.Stats()
			slog.Info("progress",
				"done", stats["succeeded"]+stats["failed"]+stats["cancelled"],
				"total", board.Total(),
				"running", stats["running"],
				"failed", stats["failed"])
		},
	}
}

// journal appends to the journal when one is open. Journal failures are
// logged and never abort a run.
func (c *Controller) journal(fn func(w *wal.WAL) error) {
	if c.wal == nil {
		return
	}
	if err := fn(c.wal); err != nil {
		slog.Error("journal append failed", "error", err)
	}
}

// ============================================================================
// Correlation & rendering
// ============================================================================

func (c *Controller) correlateAndRender(ctx context.Context, rep *types.RunReport, results []types.JobResult) {
	finder := correlate.Finder{Dir: c.config.ResultsDir, Ext: c.config.ResultExt, Exclude: c.config.ResultExclude}
	out, err := finder.Correlate(results, rep.StartedAt)
	if err != nil {
		slog.Error("correlation failed", "error", err)
		rep.Warnings = append(rep.Warnings, err.Error())
		return
	}
	for _, w := range out.Warnings {
		rep.Warnings = append(rep.Warnings, w.Error())
	}
	if c.metrics != nil {
		c.metrics.RecordCorrelationWarnings(len(out.Warnings))
	}

	correlations := out.Correlations
	if !c.render.Empty() && len(correlations) > 0 {
		correlations = correlate.RenderCommands(correlations, c.render, c.config.RenderConfig)
		path, err := c.renderAll(ctx, rep.StartedAt, correlations)
		if err != nil {
			slog.Error("rendering failed", "error", err)
			rep.Warnings = append(rep.Warnings, err.Error())
		}
		rep.RenderOutput = path
	}
	rep.Correlations = correlations
}

// renderAll runs every rendering command in order, appending its output to
// one file. A failing command is logged and the rest still run.
func (c *Controller) renderAll(ctx context.Context, started time.Time, correlations []types.Correlation) (string, error) {
	name := fmt.Sprintf("backtest_output_%s.txt", started.Format(OutputLayout))
	path := filepath.Join(c.config.OutputDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open render output: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\nPrint output: %d results\n", len(correlations)); err != nil {
		return path, err
	}

	runner := c.renderRunner(f)
	var failures []error
	for _, corr := range correlations {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		line := types.QuoteArgs(corr.Command)
		if _, err := fmt.Fprintf(f, "Running command: %s\n", line); err != nil {
			return path, err
		}
		slog.Info("rendering", "artifact", corr.Artifact.Path)

		job := types.Job{ID: types.JobID("render:" + filepath.Base(corr.Artifact.Path)), Args: corr.Command}
		if out := runner.Run(ctx, job); out.Err != nil {
			slog.Error("render command failed", "artifact", corr.Artifact.Path, "exit_code", out.ExitCode, "error", out.Err)
			failures = append(failures, fmt.Errorf("render %s: %w", corr.Artifact.Path, out.Err))
		}
	}
	return path, errors.Join(failures...)
}
