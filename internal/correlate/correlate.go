// ============================================================================
// batchtest Result Correlator
// ============================================================================
//
// Package: internal/correlate
// File: correlate.go
// Purpose: Find the result files written by a batch and map them to jobs
//
// The backtester names its result files itself, so the mapping is inferred:
//   - artifacts are the newest files in the results directory with the
//     configured extension, excluding names containing the marker ("meta")
//   - they are paired, newest first, with successful results ordered by
//     finish time, latest first
//
// This is a heuristic. Anything that makes it doubtful (too few files,
// files older than the run, extra fresh files from another writer) is
// reported as an ErrCorrelationAmbiguity warning, never as a failure.
//
// ============================================================================

package correlate

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/internal/plan"
	"github.com/ChuLiYu/batchtest/pkg/types"
)

// ErrCorrelationAmbiguity marks a doubtful artifact-to-job mapping.
var ErrCorrelationAmbiguity = errors.New("ambiguous result correlation")

// Defaults for the freqtrade layout.
const (
	DefaultDir     = "user_data/backtest_results"
	DefaultExt     = ".json"
	DefaultExclude = "meta"
)

// Finder scans a results directory.
type Finder struct {
	Dir     string
	Ext     string // e.g. ".json"; empty matches every file
	Exclude string // base names containing this are skipped; empty disables
}

// NewFinder returns a Finder for dir with the default extension and marker.
func NewFinder(dir string) Finder {
	return Finder{Dir: dir, Ext: DefaultExt, Exclude: DefaultExclude}
}

// Latest returns up to count artifacts from dir using the default extension
// and exclusion marker, newest first.
func Latest(dir string, count int) ([]types.Artifact, error) {
	return NewFinder(dir).Latest(count)
}

// Latest returns up to count matching artifacts, newest first. count <= 0
// returns every match.
func (f Finder) Latest(count int) ([]types.Artifact, error) {
	all, err := f.scan()
	if err != nil {
		return nil, err
	}
	if count > 0 && len(all) > count {
		all = all[:count]
	}
	return all, nil
}

// scan lists matching regular files sorted by mtime descending, path
// ascending on ties.
func (f Finder) scan() ([]types.Artifact, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results dir %s: %w", f.Dir, err)
	}

	var out []types.Artifact
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() {
			continue
		}
		if f.Ext != "" && !strings.HasSuffix(name, f.Ext) {
			continue
		}
		if f.Exclude != "" && strings.Contains(name, f.Exclude) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, types.Artifact{Path: filepath.Join(f.Dir, name), ModTime: info.ModTime()})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Outcome is the result of a correlation pass.
type Outcome struct {
	Correlations []types.Correlation
	Warnings     []error // each wraps ErrCorrelationAmbiguity
}

// Correlate maps fresh artifacts in dir to successful results. since is the
// run start; older artifacts are not attributed to this run.
func Correlate(dir string, results []types.JobResult, since time.Time) (*Outcome, error) {
	return NewFinder(dir).Correlate(results, since)
}

// Correlate maps fresh artifacts to successful results, see package doc.
func (f Finder) Correlate(results []types.JobResult, since time.Time) (*Outcome, error) {
	var done []*types.JobResult
	for i := range results {
		if results[i].Status == types.StatusSucceeded {
			done = append(done, &results[i])
		}
	}
	sort.SliceStable(done, func(i, j int) bool {
		return done[i].FinishedAt.After(done[j].FinishedAt)
	})

	out := &Outcome{}
	warn := func(format string, args ...any) {
		err := fmt.Errorf("%w: %s", ErrCorrelationAmbiguity, fmt.Sprintf(format, args...))
		slog.Warn("correlation", "warning", err)
		out.Warnings = append(out.Warnings, err)
	}

	if len(done) == 0 {
		return out, nil
	}

	all, err := f.scan()
	if err != nil {
		return nil, err
	}

	var fresh []types.Artifact
	stale := 0
	for i, a := range all {
		if a.ModTime.Before(since) {
			if i < len(done) {
				stale++
			}
			continue
		}
		fresh = append(fresh, a)
	}

	if stale > 0 {
		warn("%d of the newest %d artifacts predate the run start and were ignored", stale, len(done))
	}
	if len(fresh) > len(done) {
		warn("%d fresh artifacts for %d successful jobs, another writer may share %s", len(fresh), len(done), f.Dir)
		fresh = fresh[:len(done)]
	}
	if len(fresh) < len(done) {
		warn("expected %d artifacts, found %d", len(done), len(fresh))
	}

	for i, a := range fresh {
		r := done[i]
		out.Correlations = append(out.Correlations, types.Correlation{
			Artifact: a,
			Result:   r,
			JobID:    r.Job.ID,
		})
	}
	return out, nil
}

// RenderCommands fills each correlation's Command from tmpl. {result} is
// the artifact path, {result_name} its base name and {config} the pairlist
// of the correlated job, or fallbackConfig when there is none.
func RenderCommands(correlations []types.Correlation, tmpl plan.Template, fallbackConfig string) []types.Correlation {
	out := make([]types.Correlation, len(correlations))
	for i, c := range correlations {
		cfg := fallbackConfig
		if c.Result != nil && c.Result.Job.Config.Path != "" {
			cfg = c.Result.Job.Config.Path
		}
		c.Command = tmpl.Expand(map[string]string{
			plan.PhResult:    c.Artifact.Path,
			plan.PhResultTag: filepath.Base(c.Artifact.Path),
			plan.PhConfig:    cfg,
		}, nil)
		out[i] = c
	}
	return out
}
