package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleGray   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stylePanel  = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// useColor reports whether w is a terminal and NO_COLOR is unset
func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type painter bool

func (p painter) paint(s lipgloss.Style, text string) string {
	if !p {
		return text
	}
	return s.Render(text)
}

func statusStyle(s types.JobStatus) lipgloss.Style {
	switch s {
	case types.StatusSucceeded:
		return styleGreen
	case types.StatusCancelled:
		return styleYellow
	default:
		return styleRed
	}
}

// printSummary writes the outcome of a run followed by one line per job
// with its status, then bucket errors and warnings.
func printSummary(w io.Writer, rep *types.RunReport) {
	color := useColor(w)
	p := painter(color)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", p.paint(styleHeader, "Run"), rep.RunID)
	fmt.Fprintf(&b, "  ranges:    %s (%s)\n", strings.Join(rep.Timeranges, " "), rep.BucketMode)
	fmt.Fprintf(&b, "  jobs:      %d\n", rep.Summary.Total)
	fmt.Fprintf(&b, "  succeeded: %s\n", p.paint(styleGreen, fmt.Sprint(rep.Summary.Succeeded)))
	fmt.Fprintf(&b, "  failed:    %s\n", p.paint(styleRed, fmt.Sprint(rep.Summary.Failed)))
	fmt.Fprintf(&b, "  cancelled: %s\n", p.paint(styleYellow, fmt.Sprint(rep.Summary.Cancelled)))
	if len(rep.Correlations) > 0 {
		fmt.Fprintf(&b, "  results:   %d\n", len(rep.Correlations))
	}
	if rep.RenderOutput != "" {
		fmt.Fprintf(&b, "  output:    %s\n", rep.RenderOutput)
	}
	fmt.Fprintf(&b, "  elapsed:   %s", rep.Elapsed().Round(time.Second))
	if rep.Interrupted {
		fmt.Fprintf(&b, "\n  %s", p.paint(styleYellow, "interrupted"))
	}

	body := b.String()
	if color {
		body = stylePanel.Render(body)
	}
	fmt.Fprintln(w, body)

	for _, j := range rep.Jobs {
		line := fmt.Sprintf("%s %s exit=%d", p.paint(statusStyle(j.Status), strings.ToUpper(string(j.Status))), j.ID, j.ExitCode)
		if j.Error != "" {
			line += " " + j.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, be := range rep.BucketErrors {
		fmt.Fprintf(w, "%s %s %s\n", p.paint(styleRed, "BUCKET"), be.Bucket, be.Error)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "%s %s\n", p.paint(styleYellow, "WARN"), warn)
	}
}

// printPlan lists every job command line of a dry run
func printPlan(w io.Writer, jobs []types.Job, configs []types.ResolvedConfig, bucketErrors []string) {
	p := painter(useColor(w))

	for _, cfg := range configs {
		note := ""
		if cfg.Fallbacks > 0 {
			note = p.paint(styleYellow, fmt.Sprintf(" (%d months back)", cfg.Fallbacks))
		}
		fmt.Fprintf(w, "%s %s %s, %d pairs%s\n", p.paint(styleGray, "config"), cfg.Bucket.Key(), cfg.Path, len(cfg.Pairs), note)
	}
	for _, msg := range bucketErrors {
		fmt.Fprintf(w, "%s %s\n", p.paint(styleRed, "skip"), msg)
	}
	for _, job := range jobs {
		fmt.Fprintf(w, "%s %s\n", p.paint(styleHeader, string(job.ID)), job.CommandLine())
	}
	fmt.Fprintf(w, "%d jobs\n", len(jobs))
}
