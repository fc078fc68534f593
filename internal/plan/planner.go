// ============================================================================
// batchtest Planner
// ============================================================================
//
// Package: internal/plan
// File: planner.go
// Purpose: Turn month buckets into concrete backtester jobs
//
// Flow per bucket:
//   Resolver.Resolve(bucket) -> pairlist.Chunk(pairs, ChunkSize) -> Build(...)
//
// Buckets are resolved concurrently (bounded by ResolveConcurrency) against
// the shared resolver cache. A bucket whose pairlist cannot be resolved is
// recorded in Plan.BucketErrors and skipped; the other buckets still produce
// jobs. Jobs are emitted in bucket order, then chunk order.
//
// ============================================================================

package plan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/ChuLiYu/batchtest/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ConfigResolver resolves a bucket to its pairlist configuration.
type ConfigResolver interface {
	Resolve(bucket types.MonthBucket) (types.ResolvedConfig, error)
}

// BucketError is a resolution failure isolated to one bucket.
type BucketError struct {
	Bucket types.MonthBucket
	Err    error
}

func (e *BucketError) Error() string {
	return fmt.Sprintf("bucket %s: %v", e.Bucket.Key(), e.Err)
}

func (e *BucketError) Unwrap() error { return e.Err }

// Plan is the ordered list of jobs for a run.
type Plan struct {
	Jobs         []types.Job
	Configs      []types.ResolvedConfig // one per successfully resolved bucket, bucket order
	BucketErrors []*BucketError
}

// Planner builds plans.
type Planner struct {
	Resolver           ConfigResolver
	Template           Template
	ChunkSize          int // <= 0 disables chunking
	ResolveConcurrency int // <= 0 means 4
}

// Plan resolves every bucket and builds its jobs.
func (p *Planner) Plan(ctx context.Context, buckets []types.MonthBucket) (*Plan, error) {
	if p.Template.Empty() {
		return nil, fmt.Errorf("%w: template is empty", ErrTemplate)
	}

	limit := p.ResolveConcurrency
	if limit <= 0 {
		limit = 4
	}

	configs := make([]types.ResolvedConfig, len(buckets))
	errs := make([]error, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, b := range buckets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			configs[i], errs[i] = p.Resolver.Resolve(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Plan{}
	for i, b := range buckets {
		if errs[i] != nil {
			slog.Error("skipping bucket", "bucket", b.Key(), "error", errs[i])
			out.BucketErrors = append(out.BucketErrors, &BucketError{Bucket: b, Err: errs[i]})
			continue
		}

		cfg := configs[i]
		out.Configs = append(out.Configs, cfg)
		slog.Debug("using pairlist config", "bucket", b.Key(), "path", cfg.Path, "pairs", len(cfg.Pairs))

		for c, chunk := range pairlist.Chunk(cfg.Pairs, p.ChunkSize) {
			job, err := Build(b, cfg, chunk, p.Template)
			if err != nil {
				return nil, err
			}
			job.ID = types.JobID(fmt.Sprintf("%d:%s#%d", b.Index, b.Key(), c))
			out.Jobs = append(out.Jobs, job)
		}
	}

	slog.Info("plan ready", "buckets", len(buckets), "jobs", len(out.Jobs), "skipped_buckets", len(out.BucketErrors))
	return out, nil
}
