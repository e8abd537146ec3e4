package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
)

func TestSelectPairs(t *testing.T) {
	all := []modes.PairSpec{{ID: "0-0"}, {ID: "0-1"}, {ID: "2-2"}}

	got, err := selectPairs(all, nil)
	if err != nil || len(got) != 3 {
		t.Fatalf("no selection = %v, %v", got, err)
	}
	got, err = selectPairs(all, []string{"2-2", "0-1"})
	if err != nil || len(got) != 2 || got[0].ID != "2-2" {
		t.Errorf("selection = %v, %v", got, err)
	}
	if _, err := selectPairs(all, []string{"9-9"}); err == nil {
		t.Error("unplanned pair accepted")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(config.LogConfig{Level: tt.level, Format: "json"})
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("level %q: %v disabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-1) {
			t.Errorf("level %q: below %v enabled", tt.level, tt.want)
		}
	}
}
