package main

// ============================================================================
// Responsibilities:
// 1. CLI application entry point
// 2. Build and execute the command tree
// 3. Map top-level errors and panics to exit codes
//
// Build with version info:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/batchtest
// ============================================================================

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/batchtest/internal/cli"
)

var (
	version = "dev" // injected by CI
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, cli.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
