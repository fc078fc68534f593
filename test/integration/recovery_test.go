// ============================================================================
// batchtest End-to-End Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Functionality: Full pipeline with real processes
//
// TestEndToEndPipeline:
//   - two month buckets, three pairs, chunk size 2: 4 shell processes
//   - every process writes a result file and a meta file
//   - results are correlated and rendered into backtest_output_*.txt
//   - journal and report reflect the run
//
// TestInterruptTerminatesProcesses:
//   - 4 jobs sleeping 30s, 2 at a time
//   - cancel after the first two started
//   - running processes are killed, queued jobs are cancelled
//   - the journal replays the same outcome as the report
//
// ============================================================================

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/batchtest/internal/controller"
	"github.com/ChuLiYu/batchtest/internal/report"
	"github.com/ChuLiYu/batchtest/internal/storage/wal"
	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndPipeline(t *testing.T) {
	requireShell(t)
	e := newEnv(t, month(2020, time.December), month(2021, time.January), `["BTC/USDT", "ETH/USDT", "SOL/USDT"]`)
	backtester := e.script(t, "backtest.sh", fakeBacktester)
	renderer := e.script(t, "render.sh", fakeRenderer)

	cfg := controller.Config{
		Timeranges:     []string{"20210101-20210228"},
		Command:        "/bin/sh " + backtester + " " + e.results,
		ChunkSize:      2,
		MaxConcurrency: 2,
		JobTimeout:     30 * time.Second,
		Naming:         e.naming,
		MaxLookback:    3,
		ResultsDir:     e.results,
		RenderCommand:  "/bin/sh " + renderer + " {result} {config}",
		OutputDir:      e.output,
		JournalPath:    filepath.Join(e.dir, "journal.jsonl"),
		ReportPath:     filepath.Join(e.dir, "report.json"),
	}
	// result file mtimes must not precede the run start
	ctrl, err := controller.NewController(cfg, controller.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Second)
	}))
	require.NoError(t, err)

	rep, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, ctrl.Close())

	assert.Equal(t, types.RunSummary{Total: 4, Succeeded: 4}, rep.Summary)
	assert.Empty(t, rep.BucketErrors)
	assert.Empty(t, rep.Warnings)
	require.Len(t, rep.Correlations, 4)
	for _, c := range rep.Correlations {
		assert.NotEmpty(t, c.JobID)
		assert.NotContains(t, c.Artifact.Path, "meta")
	}

	data, err := os.ReadFile(rep.RenderOutput)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "\nPrint output: 4 results\n"))
	assert.Equal(t, 4, strings.Count(out, "Running command: /bin/sh"))
	assert.Equal(t, 4, strings.Count(out, "rendered backtest-result-"))
	assert.Contains(t, out, "with daily_200_USDT_0,01_minprice_20201231.json")
	assert.Contains(t, out, "with daily_200_USDT_0,01_minprice_20210131.json")

	require.NoError(t, wal.ValidateWAL(cfg.JournalPath))
	events, err := wal.RunEvents(cfg.JournalPath, rep.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 2+4*3)

	saved, err := report.NewManager(cfg.ReportPath).Load()
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, saved.RunID)
	assert.Equal(t, rep.RenderOutput, saved.RenderOutput)
}

func TestInterruptTerminatesProcesses(t *testing.T) {
	requireShell(t)
	e := newEnv(t, month(2020, time.December), month(2021, time.January), `["BTC/USDT", "ETH/USDT"]`)

	cfg := controller.Config{
		Timeranges:     []string{"20210101-20210228"},
		Command:        `/bin/sh -c "sleep 30"`,
		ChunkSize:      1,
		MaxConcurrency: 2,
		Naming:         e.naming,
		MaxLookback:    3,
		ResultsDir:     e.results,
		JournalPath:    filepath.Join(e.dir, "journal.jsonl"),
		ReportPath:     filepath.Join(e.dir, "report.json"),
	}
	ctrl, err := controller.NewController(cfg)
	require.NoError(t, err)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	start := time.Now()
	rep, err := ctrl.Run(ctx)
	require.NoError(t, err)
	elapsed := time.Since(start)

	t.Logf("interrupted run returned after %v", elapsed)
	assert.Less(t, elapsed, 10*time.Second, "in-flight processes must be terminated")
	assert.True(t, rep.Interrupted)
	assert.Equal(t, 4, rep.Summary.Total)
	assert.Zero(t, rep.Summary.Succeeded)
	assert.Equal(t, 2, rep.Summary.Failed, "killed in flight")
	assert.Equal(t, 2, rep.Summary.Cancelled, "never started")
	assert.Empty(t, rep.Correlations)

	// replaying the journal gives the same outcome
	events, err := wal.RunEvents(cfg.JournalPath, rep.RunID)
	require.NoError(t, err)
	counts := make(map[wal.EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	assert.Equal(t, 4, counts[wal.EventSubmit])
	assert.Equal(t, 2, counts[wal.EventStart])
	assert.Equal(t, 2, counts[wal.EventFinish])
	assert.Equal(t, 2, counts[wal.EventCancel])
	assert.Equal(t, 1, counts[wal.EventRunEnd])

	saved, err := report.NewManager(cfg.ReportPath).Load()
	require.NoError(t, err)
	assert.True(t, saved.Interrupted)
}
