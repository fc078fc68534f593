// ============================================================================
// batchtest CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree over the controller
//
// Command Structure:
//   batchtest                      # Root command
//   ├── run                        # Plan, run, correlate and render one batch
//   ├── plan                       # Dry run: print every job command line
//   ├── show                       # Print the last persisted run report
//   ├── journal                    # Inspect the run journal
//   │   ├── dump                   # Human readable events
//   │   ├── validate               # Checksums and sequence numbers
//   │   ├── stats                  # Event counts per type and run
//   │   └── rotate                 # Move the journal aside
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --verbose, -v              # Debug logging
//
// Configuration Management:
//   YAML config file; a missing default file means built-in defaults.
//   Flags given on the command line override file values.
//
// run Command:
//   1. Load config, apply flag overrides
//   2. Start Metrics HTTP server (if enabled)
//   3. Run the batch; SIGINT/SIGTERM cancel it and terminate in-flight jobs
//   4. Print summary and elapsed time
//
//   Examples:
//     ./batchtest run -n 300 --timerange 20210101-20230101
//     ./batchtest run -r "freqtrade backtesting --strategy aio" --timerange "20230310-20230311 20230104-" --render
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/batchtest/internal/controller"
	"github.com/ChuLiYu/batchtest/internal/metrics"
	"github.com/ChuLiYu/batchtest/internal/report"
	"github.com/ChuLiYu/batchtest/internal/storage/wal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// ErrInterrupted is returned by run when a signal cancelled the batch
var ErrInterrupted = errors.New("run interrupted")

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "batchtest",
		Short: "batchtest: month-bucketed batch runner for freqtrade backtests",
		Long: `batchtest splits a date range into month buckets, picks the pairlist
published for the month before each bucket, chunks its whitelist and runs
one backtest per chunk in parallel. Result files can then be rendered with
a second command into a single output file.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildShowCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// setupLogging installs a text handler on w as the default logger
func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// ============================================================================
// Flags shared by run and plan
// ============================================================================

type batchFlags struct {
	numPairs    int
	command     string
	timeranges  []string
	bucketMode  string
	maxParallel int
	jobTimeout  time.Duration
	render      bool
	journal     string
	report      string
	metrics     string
}

func (f *batchFlags) register(cmd *cobra.Command, full bool) {
	fs := cmd.Flags()
	fs.IntVarP(&f.numPairs, "num-pairs", "n", -1, "pairs per job, <= 0 runs the whole whitelist in one job")
	fs.StringVarP(&f.command, "command", "r", DefaultCommand, "backtest command template")
	fs.StringArrayVar(&f.timeranges, "timerange", nil, `range "YYYYMMDD-[YYYYMMDD]", repeatable or space separated`)
	fs.StringVar(&f.bucketMode, "bucket-mode", "calendar", "calendar, fixed30 or whole")
	if !full {
		return
	}
	fs.IntVarP(&f.maxParallel, "max-parallel", "j", 0, "concurrent jobs, <= 0 uses the CPU count")
	fs.DurationVar(&f.jobTimeout, "job-timeout", 0, "per job timeout, 0 disables")
	fs.BoolVar(&f.render, "render", false, "render result files after the batch")
	fs.StringVar(&f.journal, "journal", "", "journal file path")
	fs.StringVar(&f.report, "report", "", "report file path")
	fs.StringVar(&f.metrics, "metrics-addr", "", "serve /metrics on this address during the run")
}

// apply copies flags given on the command line over cfg
func (f *batchFlags) apply(cmd *cobra.Command, cfg *Config) {
	fs := cmd.Flags()
	if fs.Changed("num-pairs") {
		cfg.Backtest.NumPairs = f.numPairs
	}
	if fs.Changed("command") {
		cfg.Backtest.Command = f.command
	}
	if fs.Changed("timerange") {
		cfg.Backtest.Timeranges = f.timeranges
	}
	if fs.Changed("bucket-mode") {
		cfg.Backtest.BucketMode = f.bucketMode
	}
	if fs.Lookup("max-parallel") == nil {
		return
	}
	if fs.Changed("max-parallel") {
		cfg.Scheduler.MaxParallel = f.maxParallel
	}
	if fs.Changed("job-timeout") {
		cfg.Scheduler.JobTimeout = f.jobTimeout
	}
	if fs.Changed("render") {
		cfg.Render.Enabled = f.render
	}
	if fs.Changed("journal") {
		cfg.Journal.Path = f.journal
	}
	if fs.Changed("report") {
		cfg.Report.Path = f.report
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Enabled = f.metrics != ""
		cfg.Metrics.Addr = f.metrics
	}
}

func loadWithFlags(cmd *cobra.Command, f *batchFlags) (*Config, error) {
	cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cmd, cfg)
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var flags batchFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a batch of backtests",
		Long:  "Resolve pairlists for every month bucket, run the backtests in parallel and optionally render the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithFlags(cmd, &flags)
			if err != nil {
				return err
			}
			return runBatch(cmd, cfg)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func runBatch(cmd *cobra.Command, cfg *Config) error {
	cc, err := cfg.controllerConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opts []controller.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, controller.WithMetrics(metrics.NewCollector(reg)))
		go func() {
			slog.Info("starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.StartServer(ctx, cfg.Metrics.Addr, reg); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	ctrl, err := controller.NewController(cc, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Close()

	start := time.Now()
	rep, err := ctrl.Run(ctx)
	if rep != nil {
		printSummary(cmd.OutOrStdout(), rep)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Elapsed time: %s\n", time.Since(start).Round(time.Millisecond))

	if rep.Interrupted {
		return ErrInterrupted
	}
	return nil
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var flags batchFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the jobs a run would start",
		Long:  "Resolve pairlists and build every command line without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithFlags(cmd, &flags)
			if err != nil {
				return err
			}
			cc, err := cfg.controllerConfig()
			if err != nil {
				return err
			}
			cc.JournalPath, cc.ReportPath = "", ""

			ctrl, err := controller.NewController(cc)
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}
			defer ctrl.Close()

			p, err := ctrl.Plan(cmd.Context())
			if err != nil {
				return err
			}
			var skipped []string
			for _, be := range p.BucketErrors {
				skipped = append(skipped, be.Error())
			}
			printPlan(cmd.OutOrStdout(), p.Jobs, p.Configs, skipped)
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}

// ============================================================================
// show
// ============================================================================

func buildShowCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the last run report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Report.Path
			}
			rep, err := report.NewManager(path).Load()
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), &rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "report", "", "report file path (default from config)")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the run journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file path (default from config)")

	resolve := func(cmd *cobra.Command) (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Journal.Path == "" {
			return "", errors.New("no journal configured (use --path or journal.path)")
		}
		return cfg.Journal.Path, nil
	}

	var limit int
	var runID string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			if runID == "" {
				return wal.DumpWAL(p, cmd.OutOrStdout(), limit)
			}
			events, err := wal.RunEvents(p, runID)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("run %s not found in %s", runID, p)
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}
			return wal.PrintEvents(cmd.OutOrStdout(), events)
		},
	}
	dump.Flags().IntVar(&limit, "limit", 0, "print only the last N events")
	dump.Flags().StringVar(&runID, "run", "", "print only the events of this run")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Verify checksums and sequence numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return err
			}
			n, err := wal.CountEvents(p)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, empty\n", p)
				return nil
			}
			last, err := wal.GetLastEvent(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d events, last %s seq=%d\n", p, n, last.Type, last.Seq)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			s, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events: %d (seq %d..%d)\n", s.TotalEvents, s.FirstSeq, s.LastSeq)
			fmt.Fprintf(out, "runs:   %d\n", len(s.Runs))
			for _, t := range []wal.EventType{wal.EventRunStart, wal.EventSubmit, wal.EventStart, wal.EventFinish, wal.EventCancel, wal.EventRunEnd} {
				fmt.Fprintf(out, "  %-9s %d\n", t, s.EventTypes[t])
			}
			if s.TotalEvents > 0 {
				fmt.Fprintf(out, "from %s to %s\n", s.TimeRange[0].Format(time.RFC3339), s.TimeRange[1].Format(time.RFC3339))
			}
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Move the journal aside and start an empty one",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			w, err := wal.NewWAL(p, false)
			if err != nil {
				return err
			}
			defer w.Close()
			moved := w.GetLastSeq()
			backup, err := w.Rotate()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %d events to %s\n", moved, backup)
			return nil
		},
	}

	cmd.AddCommand(dump, validate, stats, rotate)
	return cmd
}
