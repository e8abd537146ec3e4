package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/conflict"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
	"github.com/ajaxrace/ajaxrace/pkg/runner"
	"github.com/ajaxrace/ajaxrace/pkg/store"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

func report() *runner.Report {
	a := listener.Identity{Selector: "#a", Type: "click"}
	b := listener.Identity{Selector: "#b", Type: "click"}
	m := conflict.NewMatrix(2)
	m.Set(0, 1)
	pair := modes.PairSpec{ID: "0-1", First: a, Second: b}
	return &runner.Report{
		Observation: &store.Observation{
			RunID:    "run-1",
			Site:     "demo",
			LoadTime: 300 * time.Millisecond,
			Traces:   []modes.HandlerTrace{{Identity: a, Trace: trace.New()}, {Identity: b}},
			Pairs:    []modes.PairSpec{pair},
		},
		Matrix: m,
		Replays: []*store.Replay{{
			Pair:        pair,
			Synchronous: &modes.PairResult{Status: modes.StatusSuccess},
			Adverse:     &modes.PairResult{Status: modes.StatusSuccess, NumPostponedEvents: 1},
			Race:        true,
		}},
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, report(), 1500*time.Millisecond)
	out := buf.String()

	for _, want := range []string{"run-1", "300ms", ".x", "0-1", "RACE", "1 postponed", "1 RACE(S) FOUND", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReport_NoRaces(t *testing.T) {
	rep := report()
	rep.Replays[0].Race = false
	var buf bytes.Buffer
	PrintReport(&buf, rep, 0)
	if !strings.Contains(buf.String(), "NO RACES FOUND") {
		t.Errorf("report:\n%s", buf.String())
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	PrintRuns(&buf, nil)
	if !strings.Contains(buf.String(), "No stored runs") {
		t.Errorf("empty list = %q", buf.String())
	}
	buf.Reset()
	PrintRuns(&buf, []string{"r1", "r2"})
	if !strings.Contains(buf.String(), "r1") || !strings.Contains(buf.String(), "r2") {
		t.Errorf("runs = %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{2500 * time.Millisecond, "2.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
