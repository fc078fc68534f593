package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/batchtest/internal/metrics"
	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/ChuLiYu/batchtest/internal/plan"
	"github.com/ChuLiYu/batchtest/internal/report"
	"github.com/ChuLiYu/batchtest/internal/storage/wal"
	"github.com/ChuLiYu/batchtest/internal/timerange"
	"github.com/ChuLiYu/batchtest/internal/worker"
	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	dir     string
	config  Config
	base    time.Time
	mu      sync.Mutex
	calls   [][]string
	written int
}

// newFixture lays out pairlists for Dec 2020 and Jan 2021 and a results dir
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	naming := pairlist.DefaultNaming()
	naming.Dir = filepath.Join(dir, "pairlists")
	require.NoError(t, os.MkdirAll(naming.Dir, 0755))

	body := `{
  // exported daily
  "exchange": {"pair_whitelist": ["BTC/USDT", "ETH/USDT", "SOL/USDT"]}
}`
	for _, day := range []time.Time{
		time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2021, 1, 31, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, os.WriteFile(naming.Path(day), []byte(body), 0644))
	}

	results := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(results, 0755))

	return &fixture{
		dir:  dir,
		base: time.Now().Add(-time.Hour),
		config: Config{
			Timeranges:     []string{"20210101-20210228"},
			BucketMode:     types.BucketCalendar,
			Command:        "freqtrade backtesting --strategy aio",
			ChunkSize:      2,
			MaxConcurrency: 1,
			Naming:         naming,
			MaxLookback:    3,
			ResultsDir:     results,
			ResultExt:      ".json",
			ResultExclude:  "meta",
			RenderCommand:  "freqtrade backtesting-show -c {config} --export-filename={result}",
			RenderConfig:   "config_test.json",
			OutputDir:      dir,
			JournalPath:    filepath.Join(dir, "journal.jsonl"),
			ReportPath:     filepath.Join(dir, "report.json"),
			ReportBackups:  2,
		},
	}
}

// runner records every call and writes one result file (plus a meta file)
// per job with increasing modification times
func (f *fixture) runner(fail map[int]bool) worker.Runner {
	return worker.RunnerFunc(func(ctx context.Context, job types.Job) worker.Outcome {
		f.mu.Lock()
		defer f.mu.Unlock()
		n := len(f.calls)
		f.calls = append(f.calls, job.Args)
		if fail[n] {
			return worker.Outcome{ExitCode: 1, Err: &worker.ExitError{Code: 1}}
		}

		f.written++
		mtime := f.base.Add(time.Duration(f.written) * time.Minute)
		for _, name := range []string{
			fmt.Sprintf("backtest-result-%02d.json", f.written),
			fmt.Sprintf("backtest-result-%02d.meta.json", f.written),
		} {
			p := filepath.Join(f.config.ResultsDir, name)
			if err := os.WriteFile(p, []byte("{}"), 0644); err != nil {
				return worker.Outcome{ExitCode: -1, Err: err}
			}
			if err := os.Chtimes(p, mtime, mtime); err != nil {
				return worker.Outcome{ExitCode: -1, Err: err}
			}
		}
		return worker.Outcome{}
	})
}

func renderEcho(w io.Writer) worker.Runner {
	return worker.RunnerFunc(func(ctx context.Context, job types.Job) worker.Outcome {
		fmt.Fprintf(w, "rendered %s\n", job.Args[len(job.Args)-1])
		return worker.Outcome{}
	})
}

func (f *fixture) controller(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{
		WithRenderRunner(renderEcho),
		WithClock(func() time.Time { return f.base }),
	}, opts...)
	c, err := NewController(f.config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ============================================================================
// Tests
// ============================================================================

func TestNewControllerRejectsBadTemplates(t *testing.T) {
	f := newFixture(t)

	cfg := f.config
	cfg.Command = "  "
	_, err := NewController(cfg)
	assert.ErrorIs(t, err, plan.ErrTemplate)

	cfg = f.config
	cfg.RenderCommand = `show "unterminated`
	_, err = NewController(cfg)
	assert.ErrorIs(t, err, plan.ErrTemplate)
}

func TestPlanDryRun(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, WithRunner(f.runner(nil)))

	p, err := c.Plan(context.Background())
	require.NoError(t, err)

	// 2 months x 3 pairs in chunks of 2
	require.Len(t, p.Jobs, 4)
	assert.Empty(t, f.calls, "planning must not run anything")

	assert.Equal(t, []string{
		"freqtrade", "backtesting", "--strategy", "aio",
		"--timerange", "20210101-20210201", "-p", "BTC/USDT", "ETH/USDT",
		"-c", f.config.Naming.Path(time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)),
	}, p.Jobs[0].Args)
	assert.Equal(t, []string{"SOL/USDT"}, p.Jobs[1].Chunk)
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	c := f.controller(t, WithRunner(f.runner(nil)), WithMetrics(collector))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, types.RunSummary{Total: 4, Succeeded: 4}, rep.Summary)
	assert.Len(t, rep.Jobs, 4)
	assert.Empty(t, rep.BucketErrors)
	assert.False(t, rep.Interrupted)
	assert.Empty(t, rep.Warnings)

	// every job produced one artifact; meta files are ignored
	require.Len(t, rep.Correlations, 4)
	for _, corr := range rep.Correlations {
		assert.NotContains(t, corr.Artifact.Path, "meta")
		assert.NotEmpty(t, corr.JobID)
		assert.Equal(t, "--export-filename="+corr.Artifact.Path, corr.Command[len(corr.Command)-1])
	}
	// newest artifact belongs to the last job to finish
	assert.True(t, strings.HasSuffix(rep.Correlations[0].Artifact.Path, "backtest-result-04.json"))

	// rendering output
	require.NotEmpty(t, rep.RenderOutput)
	assert.Equal(t, fmt.Sprintf("backtest_output_%s.txt", f.base.Format(OutputLayout)), filepath.Base(rep.RenderOutput))
	out, err := os.ReadFile(rep.RenderOutput)
	require.NoError(t, err)
	assert.Contains(t, string(out), "Print output: 4 results")
	assert.Equal(t, 4, strings.Count(string(out), "Running command: freqtrade backtesting-show"))
	assert.Equal(t, 4, strings.Count(string(out), "rendered --export-filename="))

	// report persisted
	loaded, err := report.NewManager(f.config.ReportPath).Load()
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, loaded.RunID)
	assert.Equal(t, 4, loaded.Summary.Succeeded)

	// journal: RUN_START, 4 SUBMIT, 4 START, 4 FINISH, RUN_END
	require.NoError(t, c.Close())
	require.NoError(t, wal.ValidateWAL(f.config.JournalPath))
	stats, err := wal.GetWALStats(f.config.JournalPath)
	require.NoError(t, err)
	assert.Equal(t, 14, stats.TotalEvents)
	assert.Equal(t, 4, stats.EventTypes[wal.EventFinish])
	assert.Equal(t, []string{rep.RunID}, stats.Runs)

	// metrics
	assert.Equal(t, 4.0, counterValue(t, reg, "batchtest_jobs_submitted_total"))
	assert.Equal(t, 4.0, counterValue(t, reg, "batchtest_jobs_succeeded_total"))
}

// counterValue reads a counter from a gathered registry
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRunFailedJobDoesNotStopBatch(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, WithRunner(f.runner(map[int]bool{1: true})))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Summary.Total)
	assert.Equal(t, 3, rep.Summary.Succeeded)
	assert.Equal(t, 1, rep.Summary.Failed)
	assert.Len(t, f.calls, 4)
	assert.Len(t, rep.Correlations, 3)

	var failed types.JobRecord
	for _, j := range rep.Jobs {
		if j.Status == types.StatusFailed {
			failed = j
		}
	}
	assert.Equal(t, 1, failed.ExitCode)
	assert.Contains(t, failed.Error, "exit status 1")
}

func TestRunIsolatesUnresolvableBucket(t *testing.T) {
	f := newFixture(t)
	// March needs February's snapshot; lookback 1 forbids falling back to January
	f.config.Timeranges = []string{"20210101-20210331"}
	f.config.MaxLookback = 1
	c := f.controller(t, WithRunner(f.runner(nil)))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.BucketErrors, 1)
	assert.Equal(t, "20210301-20210331", rep.BucketErrors[0].Bucket)
	assert.Contains(t, rep.BucketErrors[0].Error, "not found")
	assert.Equal(t, 4, rep.Summary.Succeeded)
}

func TestRunMultipleRanges(t *testing.T) {
	f := newFixture(t)
	f.config.Timeranges = []string{"20210101-20210131", "20210201-20210228"}
	f.config.ChunkSize = 0
	f.config.RenderCommand = ""
	c := f.controller(t, WithRunner(f.runner(nil)))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.Succeeded)
	assert.Empty(t, rep.RenderOutput)
	assert.Len(t, rep.Correlations, 2)
}

func TestRunInvalidRange(t *testing.T) {
	f := newFixture(t)
	f.config.Timeranges = []string{"20210301-20210101"}
	c := f.controller(t, WithRunner(f.runner(nil)))

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, timerange.ErrInvalidRange)
	assert.Empty(t, f.calls)
	assert.False(t, report.NewManager(f.config.ReportPath).Exists())
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int32
	runner := worker.RunnerFunc(func(ctx context.Context, job types.Job) worker.Outcome {
		atomic.AddInt32(&started, 1)
		cancel()
		<-ctx.Done()
		return worker.Outcome{ExitCode: -1, Err: ctx.Err()}
	})
	c := f.controller(t, WithRunner(runner))

	rep, err := c.Run(ctx)
	require.NoError(t, err)

	assert.True(t, rep.Interrupted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
	assert.Equal(t, types.RunSummary{Total: 4, Failed: 1, Cancelled: 3}, rep.Summary)
	assert.Empty(t, rep.Correlations)
	assert.Empty(t, rep.RenderOutput)

	loaded, err := report.NewManager(f.config.ReportPath).Load()
	require.NoError(t, err)
	assert.True(t, loaded.Interrupted)
}

func TestRunWithoutPersistence(t *testing.T) {
	f := newFixture(t)
	f.config.JournalPath = ""
	f.config.ReportPath = ""
	f.config.ResultsDir = ""
	c := f.controller(t, WithRunner(f.runner(nil)))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Summary.Succeeded)
	assert.Empty(t, rep.Correlations)
	assert.NoError(t, c.Close())
}

func TestRunOnTornJournal(t *testing.T) {
	f := newFixture(t)
	// a previous run was killed while writing its first event
	require.NoError(t, os.WriteFile(f.config.JournalPath, []byte(`{"seq":1,"type":"RUN_ST`), 0644))
	c := f.controller(t, WithRunner(f.runner(nil)))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Summary.Succeeded)

	require.NoError(t, c.Close())
	require.NoError(t, wal.ValidateWAL(f.config.JournalPath))
	events, err := wal.RunEvents(f.config.JournalPath, rep.RunID)
	require.NoError(t, err)
	require.Len(t, events, 14)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, wal.EventRunStart, events[0].Type)

	backups, err := filepath.Glob(f.config.JournalPath + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRunWithUnopenableJournal(t *testing.T) {
	f := newFixture(t)
	f.config.JournalPath = t.TempDir()
	c := f.controller(t, WithRunner(f.runner(nil)))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Summary.Succeeded)
	assert.DirExists(t, f.config.JournalPath)
}

func TestRunMissingResultsWarns(t *testing.T) {
	f := newFixture(t)
	quiet := worker.RunnerFunc(func(ctx context.Context, job types.Job) worker.Outcome { return worker.Outcome{} })
	c := f.controller(t, WithRunner(quiet))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Correlations)
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "expected 4 artifacts, found 0")
}
