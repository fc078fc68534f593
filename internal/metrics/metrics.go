// ============================================================================
// batchtest Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose batch run metrics for Prometheus
//
// Metric categories:
//
//   1. Job counters (Counter):
//      - batchtest_jobs_submitted_total
//      - batchtest_jobs_succeeded_total
//      - batchtest_jobs_failed_total
//      - batchtest_jobs_cancelled_total
//
//   2. Duration (Histogram):
//      - batchtest_job_duration_seconds: wall time of one backtester process.
//        Backtests take minutes, so buckets start at one second.
//
//   3. State (Gauge):
//      - batchtest_jobs_in_flight: processes currently running
//
//   4. Resolution:
//      - batchtest_config_fallbacks_total: backward steps taken by the resolver
//      - batchtest_bucket_errors_total: buckets skipped for lack of a pairlist
//      - batchtest_correlation_warnings_total
//
// Useful queries:
//
//   # failure ratio of the current run
//   batchtest_jobs_failed_total / batchtest_jobs_submitted_total
//
//   # 95th percentile job duration
//   histogram_quantile(0.95, batchtest_job_duration_seconds_bucket)
//
// HTTP endpoint:
//   StartServer exposes /metrics while a run is in progress (opt-in).
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the batch run metrics
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	jobDuration  prometheus.Histogram
	jobsInFlight prometheus.Gauge

	configFallbacks     prometheus.Counter
	bucketErrors        prometheus.Counter
	correlationWarnings prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_jobs_submitted_total",
			Help: "Total number of backtest jobs submitted",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_jobs_succeeded_total",
			Help: "Total number of backtest jobs that exited 0",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_jobs_failed_total",
			Help: "Total number of backtest jobs that failed, timed out or were terminated",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_jobs_cancelled_total",
			Help: "Total number of backtest jobs cancelled before they started",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchtest_job_duration_seconds",
			Help:    "Wall time of backtest processes in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchtest_jobs_in_flight",
			Help: "Current number of running backtest processes",
		}),
		configFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_config_fallbacks_total",
			Help: "Backward month steps taken while resolving pairlist configs",
		}),
		bucketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_bucket_errors_total",
			Help: "Buckets skipped because no pairlist config could be resolved",
		}),
		correlationWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchtest_correlation_warnings_total",
			Help: "Ambiguities found while mapping result files to jobs",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.jobsInFlight,
		c.configFallbacks,
		c.bucketErrors,
		c.correlationWarnings,
	)
	return c
}

// RecordSubmit records n jobs handed to the scheduler
func (c *Collector) RecordSubmit(n int) {
	c.jobsSubmitted.Add(float64(n))
}

// RecordStart records a process start
func (c *Collector) RecordStart() {
	c.jobsInFlight.Inc()
}

// RecordResult records a finished job. Cancelled jobs never started, so
// they do not touch the in-flight gauge.
func (c *Collector) RecordResult(r types.JobResult) {
	switch r.Status {
	case types.StatusSucceeded:
		c.jobsSucceeded.Inc()
	case types.StatusCancelled:
		c.jobsCancelled.Inc()
		return
	default:
		c.jobsFailed.Inc()
	}
	c.jobsInFlight.Dec()
	if !r.StartedAt.IsZero() {
		c.jobDuration.Observe(r.Duration().Seconds())
	}
}

// RecordConfig records a resolved bucket config
func (c *Collector) RecordConfig(cfg types.ResolvedConfig) {
	c.configFallbacks.Add(float64(cfg.Fallbacks))
}

// RecordBucketError records a skipped bucket
func (c *Collector) RecordBucketError() {
	c.bucketErrors.Inc()
}

// RecordCorrelationWarnings records n correlation warnings
func (c *Collector) RecordCorrelationWarnings(n int) {
	c.correlationWarnings.Add(float64(n))
}

// StartServer serves /metrics for g on addr until ctx is done.
// The listener error is returned unless it is the normal shutdown.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
