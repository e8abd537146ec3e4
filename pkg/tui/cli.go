// Package tui renders analysis results for the terminal.
// Plain streaming output, no full-screen interface.
package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/ajaxrace/ajaxrace/pkg/conflict"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
	"github.com/ajaxrace/ajaxrace/pkg/runner"
	"github.com/ajaxrace/ajaxrace/pkg/store"
)

// Colors
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

const rule = "  ─────────────────────────────────────"

// PrintHeader prints the program banner.
func PrintHeader(w io.Writer, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  AJAXRACE")+mutedStyle.Render(" "+version))
	fmt.Fprintln(w, mutedStyle.Render("  Event race detection for AJAX pages"))
	fmt.Fprintln(w)
}

func field(w io.Writer, name, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(name+":"), titleStyle.Render(value))
}

// PrintObservation prints the handlers of an observation and its conflict
// matrix.
func PrintObservation(w io.Writer, obs *store.Observation, m *conflict.Matrix) {
	fmt.Fprintln(w, accentStyle.Render("▸ OBSERVATION"))
	field(w, "Run", obs.RunID)
	field(w, "Site", obs.Site)
	field(w, "Loaded in", formatDuration(obs.LoadTime))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	for i, ht := range obs.Traces {
		events := 0
		if ht.Trace != nil {
			events = ht.Trace.Len()
		}
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render(fmt.Sprintf("%3d", i)),
			ht.Identity,
			mutedStyle.Render(fmt.Sprintf("(%d operations)", events)))
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	if m != nil && m.Size() > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, accentStyle.Render("▸ CONFLICTS"))
		for _, line := range strings.Split(m.String(), "\n") {
			fmt.Fprintln(w, "  "+codeStyle.Render(line))
		}
	}
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Pairs to replay:"), titleStyle.Render(fmt.Sprint(len(obs.Pairs))))
	fmt.Fprintln(w)
}

func statusText(r *modes.PairResult) string {
	if r == nil {
		return mutedStyle.Render("-")
	}
	s := string(r.Status)
	if r.NumPostponedEvents > 0 {
		s += fmt.Sprintf(" (%d postponed)", r.NumPostponedEvents)
	}
	if r.Status == modes.StatusFail {
		return accentStyle.Render(s)
	}
	return s
}

// PrintReplay prints one replayed pair.
func PrintReplay(w io.Writer, rep *store.Replay) {
	mark := successStyle.Render("✓")
	if rep.Race {
		mark = accentStyle.Render("✗ RACE")
	}
	fmt.Fprintf(w, "  %s %s %s → %s\n", mark, titleStyle.Render(rep.Pair.ID), rep.Pair.First, rep.Pair.Second)
	fmt.Fprintf(w, "      %s %s  %s %s\n",
		mutedStyle.Render("synchronous"), statusText(rep.Synchronous),
		mutedStyle.Render("adverse"), statusText(rep.Adverse))
}

// PrintReport prints the outcome of a full run.
func PrintReport(w io.Writer, rep *runner.Report, elapsed time.Duration) {
	PrintObservation(w, rep.Observation, rep.Matrix)

	fmt.Fprintln(w, accentStyle.Render("▸ REPLAYS"))
	for _, r := range rep.Replays {
		PrintReplay(w, r)
	}
	fmt.Fprintln(w)

	races := rep.Races()
	if len(races) == 0 {
		fmt.Fprintln(w, successStyle.Render("  ✓ NO RACES FOUND"))
	} else {
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ✗ %d RACE(S) FOUND", len(races))))
	}
	if rep.Failures != nil {
		fmt.Fprintf(w, "  %s %v\n", accentStyle.Render("Failed pairs:"), rep.Failures)
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Time:"), titleStyle.Render(formatDuration(elapsed)))
	}
	fmt.Fprintln(w)
}

// PrintRuns lists stored run ids.
func PrintRuns(w io.Writer, runs []string) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  No stored runs."))
		return
	}
	for _, id := range runs {
		fmt.Fprintln(w, "  "+id)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// ShowProgress creates a progress bar for pair replays.
func ShowProgress(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
