package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_ExplicitFileOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeFile(t, t.TempDir(), "ajaxrace.yaml", `
analysis:
  settle_delay: 250ms
  max_timer_chain_length: 10
  wait_for_promises: false
store:
  backends: [file, redis]
  redis:
    address: cache:6379
`)
	m := NewManager()
	if err := m.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := m.Get()
	if c.Analysis.SettleDelay != 250*time.Millisecond {
		t.Errorf("settle delay = %v", c.Analysis.SettleDelay)
	}
	if c.Analysis.MaxTimerChainLength != 10 || c.Analysis.WaitForPromises {
		t.Errorf("analysis = %+v", c.Analysis)
	}
	if c.Analysis.MaxTimerDuration != 2*time.Second {
		t.Errorf("unset key lost its default: %v", c.Analysis.MaxTimerDuration)
	}
	if len(c.Store.Backends) != 2 || c.Store.Redis.Address != "cache:6379" {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Store.Redis.Prefix != "ajaxrace:" {
		t.Errorf("redis prefix = %q", c.Store.Redis.Prefix)
	}
	if paths := m.GetPaths(); len(paths) != 1 || paths[0] != path {
		t.Errorf("paths = %v", paths)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	err := NewManager().Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.IsCode(err, errors.CodeConfigNotFound) {
		t.Errorf("err = %v, want config not found", err)
	}
}

func TestLoad_BrokenFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeFile(t, t.TempDir(), "bad.yaml", "analysis: [not, a, map")
	if err := NewManager().Load(path); !errors.IsCode(err, errors.CodeConfigInvalid) {
		t.Errorf("err = %v, want invalid config", err)
	}
}

func TestLoad_UserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".ajaxrace"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(home, ".ajaxrace"), "config.yaml", "log:\n  level: debug\n")

	m := NewManager()
	if err := m.Load(""); err != nil {
		t.Fatal(err)
	}
	if m.Get().Log.Level != "debug" {
		t.Errorf("log level = %q", m.Get().Log.Level)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AJAXRACE_SETTLE_DELAY", "1s")
	t.Setenv("AJAXRACE_PARALLELISM", "3")
	t.Setenv("AJAXRACE_WAIT_FOR_PROMISES", "false")
	t.Setenv("AJAXRACE_STORE", "file,s3")
	t.Setenv("AJAXRACE_S3_BUCKET", "races")
	t.Setenv("AJAXRACE_OTLP_ENDPOINT", "collector:4317")

	m := NewManager()
	if err := m.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := m.Get()
	if c.Analysis.SettleDelay != time.Second || c.Replay.Parallelism != 3 || c.Analysis.WaitForPromises {
		t.Errorf("env not applied: %+v %+v", c.Analysis, c.Replay)
	}
	if len(c.Store.Backends) != 2 || c.Store.S3.Bucket != "races" {
		t.Errorf("store = %+v", c.Store)
	}
	if !c.Telemetry.Enabled || c.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("telemetry = %+v", c.Telemetry)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AJAXRACE_PAIR_TIMEOUT", "soon")
	if err := NewManager().Load(""); !errors.IsCode(err, errors.CodeConfigInvalid) {
		t.Errorf("err = %v, want invalid config", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative settle", func(c *Config) { c.Analysis.SettleDelay = -time.Second }},
		{"zero chain", func(c *Config) { c.Analysis.MaxTimerChainLength = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backends = []string{"tape"} }},
		{"s3 without bucket", func(c *Config) { c.Store.Backends = []string{"s3"} }},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			if err := c.Validate(); !errors.IsCode(err, errors.CodeConfigInvalid) {
				t.Errorf("Validate = %v, want invalid config", err)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m := NewManager()
	m.Get().Analysis.SkipTimerCallbacks = []string{"poll$"}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n := NewManager()
	if err := n.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := n.Get().Analysis
	if len(got.SkipTimerCallbacks) != 1 || got.SkipTimerCallbacks[0] != "poll$" {
		t.Errorf("skip callbacks = %v", got.SkipTimerCallbacks)
	}
	if got.SettleDelay != 500*time.Millisecond {
		t.Errorf("settle delay = %v", got.SettleDelay)
	}
}

func TestAnalysisConfig_Page(t *testing.T) {
	a := Default().Analysis
	a.SkipTimerCallbacks = []string{"x"}
	p := a.Page()
	if p.MaxTimerDuration != a.MaxTimerDuration || p.Horizon != a.Horizon || len(p.SkipTimerCallbacks) != 1 {
		t.Errorf("page config = %+v", p)
	}
}
