package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/internal/controller"
	"github.com/ChuLiYu/batchtest/internal/correlate"
	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/ChuLiYu/batchtest/internal/timerange"
	"github.com/ChuLiYu/batchtest/internal/worker"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is read when --config is not given; it may be absent.
	DefaultConfigPath = "configs/default.yaml"

	DefaultCommand       = "freqtrade backtesting --strategy aio -c config_test.json --cache none --export signals --timeframe 5m"
	DefaultRenderCommand = `freqtrade backtesting-show -c {config} --export-filename={result}`
	DefaultTimerange     = "20210101-20230101"
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags.
type Config struct {
	Backtest struct {
		Command    string   `yaml:"command"`
		Timeranges []string `yaml:"timeranges"`
		BucketMode string   `yaml:"bucket_mode"`
		NumPairs   int      `yaml:"num_pairs"`
		WorkDir    string   `yaml:"work_dir"`
	} `yaml:"backtest"`

	Scheduler struct {
		MaxParallel int           `yaml:"max_parallel"`
		JobTimeout  time.Duration `yaml:"job_timeout"`
	} `yaml:"scheduler"`

	Pairlist struct {
		Dir         string `yaml:"dir"`
		Prefix      string `yaml:"prefix"`
		MinPrice    string `yaml:"min_price"`
		Marker      string `yaml:"marker"`
		MaxLookback int    `yaml:"max_lookback"`
	} `yaml:"pairlist"`

	Results struct {
		Dir     string `yaml:"dir"`
		Ext     string `yaml:"ext"`
		Exclude string `yaml:"exclude"`
	} `yaml:"results"`

	Render struct {
		Enabled   bool   `yaml:"enabled"`
		Command   string `yaml:"command"`
		Config    string `yaml:"config"`
		OutputDir string `yaml:"output_dir"`
	} `yaml:"render"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Report struct {
		Path    string `yaml:"path"`
		Backups int    `yaml:"backups"`
	} `yaml:"report"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the values used for anything the file leaves out.
func DefaultConfig() *Config {
	naming := pairlist.DefaultNaming()

	cfg := &Config{}
	cfg.Backtest.Command = DefaultCommand
	cfg.Backtest.Timeranges = []string{DefaultTimerange}
	cfg.Backtest.BucketMode = "calendar"
	cfg.Backtest.NumPairs = -1
	cfg.Scheduler.MaxParallel = worker.DefaultMaxConcurrency
	cfg.Pairlist.Dir = naming.Dir
	cfg.Pairlist.Prefix = naming.Prefix
	cfg.Pairlist.MinPrice = naming.MinPrice.String()
	cfg.Pairlist.Marker = naming.Marker
	cfg.Pairlist.MaxLookback = pairlist.DefaultMaxLookback
	cfg.Results.Dir = correlate.DefaultDir
	cfg.Results.Ext = correlate.DefaultExt
	cfg.Results.Exclude = correlate.DefaultExclude
	cfg.Render.Command = DefaultRenderCommand
	cfg.Render.Config = "config_test.json"
	cfg.Render.OutputDir = "."
	cfg.Report.Path = "batchtest_report.json"
	cfg.Report.Backups = 5
	cfg.Metrics.Addr = ":9090"
	return cfg
}

// loadConfig reads path over the defaults. A missing file is only an error
// when the caller asked for it explicitly.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			slog.Debug("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// naming converts the pairlist section.
func (c *Config) naming() (pairlist.Naming, error) {
	n := pairlist.Naming{Dir: c.Pairlist.Dir, Prefix: c.Pairlist.Prefix, Marker: c.Pairlist.Marker}
	// "0,01" is accepted as written in file names
	minPrice, err := decimal.NewFromString(strings.ReplaceAll(c.Pairlist.MinPrice, ",", "."))
	if err != nil {
		return n, fmt.Errorf("pairlist.min_price %q: %w", c.Pairlist.MinPrice, err)
	}
	n.MinPrice = minPrice
	return n, nil
}

// controllerConfig builds the run configuration. Rendering needs both
// the enabled switch and a results directory.
func (c *Config) controllerConfig() (controller.Config, error) {
	mode, err := timerange.ParseMode(c.Backtest.BucketMode)
	if err != nil {
		return controller.Config{}, err
	}
	naming, err := c.naming()
	if err != nil {
		return controller.Config{}, err
	}

	cc := controller.Config{
		Timeranges:     c.Backtest.Timeranges,
		BucketMode:     mode,
		Command:        c.Backtest.Command,
		ChunkSize:      c.Backtest.NumPairs,
		MaxConcurrency: c.Scheduler.MaxParallel,
		JobTimeout:     c.Scheduler.JobTimeout,
		WorkDir:        c.Backtest.WorkDir,
		Naming:         naming,
		MaxLookback:    c.Pairlist.MaxLookback,
		ResultsDir:     c.Results.Dir,
		ResultExt:      c.Results.Ext,
		ResultExclude:  c.Results.Exclude,
		RenderConfig:   c.Render.Config,
		OutputDir:      c.Render.OutputDir,
		JournalPath:    c.Journal.Path,
		ReportPath:     c.Report.Path,
		ReportBackups:  c.Report.Backups,
	}
	if c.Render.Enabled {
		cc.RenderCommand = c.Render.Command
	}
	return cc, nil
}
