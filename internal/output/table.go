// Package output renders pkgbisect's terminal UI: candidate and run-history
// tables, and progress indicators for long-running probes.
//
// Table rendering uses ASCII characters and ANSI color codes. Progress
// indicators are thread-safe and can be used from multiple goroutines.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/tinystack-dev/pkgbisect/internal/store"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

// ANSI color codes for status display.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderCandidateTable renders the filtered timeline a --candidates
// listing (or the first probe of a real search) considered, in
// publish-time order.
func RenderCandidateTable(candidates []timeline.Event) string {
	if len(candidates) == 0 {
		return "No candidate publications in range.\n"
	}

	sorted := make([]timeline.Event, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-4s %-30s %-15s %s\n", "#", "Package", "Version", "Published"))
	sb.WriteString(strings.Repeat("─", 70))
	sb.WriteString("\n")

	for i, c := range sorted {
		sb.WriteString(fmt.Sprintf("%-4d %-30s %-15s %s\n",
			i, truncate(c.PackageName, 30), truncate(c.Version, 15), c.Time.Format(time.RFC3339)))
	}
	return sb.String()
}

// RenderCulprit renders the single-line result of a completed search.
func RenderCulprit(culprit timeline.Event) string {
	return fmt.Sprintf("%s culprit: %s@%s published %s\n",
		colorize(colorRed, "✗"), culprit.PackageName, culprit.Version, culprit.Time.Format(time.RFC3339))
}

// RenderRunHistoryTable renders a table of past bisection runs, newest
// first (callers are expected to have already sorted via ListRuns).
func RenderRunHistoryTable(runs []*store.Run) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-5s %-30s %-9s %-10s %-14s %s\n",
		"ID", "Project", "Status", "Probes", "Started", "Culprit"))
	sb.WriteString(strings.Repeat("─", 100))
	sb.WriteString("\n")

	for _, r := range runs {
		statusLabel := formatStatusLabel(r.Status)
		culprit := "—"
		if r.CulpritName != "" {
			culprit = fmt.Sprintf("%s@%s", r.CulpritName, r.CulpritVersion)
		}
		started := humanize.Time(r.StartedAt)
		if r.FinishedAt != nil {
			started = fmt.Sprintf("%s (took %s)", started, humanize.RelTime(r.StartedAt, *r.FinishedAt, "", ""))
		}

		if IsColorEnabled() {
			sb.WriteString(fmt.Sprintf("%-5d %-30s %s%-9s%s %-10d %-14s %s\n",
				r.ID, truncate(r.ProjectDir, 30), statusColor(r.Status), statusLabel, colorReset, r.ProbeCount, started, culprit))
		} else {
			sb.WriteString(fmt.Sprintf("%-5d %-30s %-9s %-10d %-14s %s\n",
				r.ID, truncate(r.ProjectDir, 30), statusLabel, r.ProbeCount, started, culprit))
		}
	}
	return sb.String()
}

func formatStatusLabel(status string) string {
	switch status {
	case store.StatusDone:
		return "done"
	case store.StatusEmpty:
		return "empty"
	case store.StatusFailed:
		return "failed"
	default:
		return "running"
	}
}

func statusColor(status string) string {
	switch status {
	case store.StatusDone:
		return colorGreen
	case store.StatusEmpty:
		return colorYellow
	case store.StatusFailed:
		return colorRed
	default:
		return colorGray
	}
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
