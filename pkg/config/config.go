// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/page"
)

// Config holds all ajaxrace configuration.
type Config struct {
	Version int `yaml:"version"`

	Analysis  AnalysisConfig  `yaml:"analysis"`
	Replay    ReplayConfig    `yaml:"replay"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// AnalysisConfig controls how pages are loaded and observed.
type AnalysisConfig struct {
	SettleDelay         time.Duration `yaml:"settle_delay"`
	StatusInterval      time.Duration `yaml:"status_interval"` // 0 = quiet
	MaxTimerDuration    time.Duration `yaml:"max_timer_duration"`
	MaxTimerChainLength int           `yaml:"max_timer_chain_length"` // -1 = unlimited
	SkipTimerCallbacks  []string      `yaml:"skip_timer_callbacks"`
	WaitForPromises     bool          `yaml:"wait_for_promises"`
	Horizon             time.Duration `yaml:"horizon"`
}

// ReplayConfig controls pair replays.
type ReplayConfig struct {
	Parallelism int           `yaml:"parallelism"` // 0 = GOMAXPROCS
	PairTimeout time.Duration `yaml:"pair_timeout"`
}

// StoreConfig selects where observations and replay results are kept.
type StoreConfig struct {
	Backends []string    `yaml:"backends"` // file | redis | s3
	Dir      string      `yaml:"dir"`
	Redis    RedisConfig `yaml:"redis"`
	S3       S3Config    `yaml:"s3"`
}

// RedisConfig for the Redis store backend.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// S3Config for the S3 store backend.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Timeout         time.Duration `yaml:"timeout"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// LogConfig for the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	pageDefaults := page.DefaultConfig()

	return &Config{
		Version: 1,
		Analysis: AnalysisConfig{
			SettleDelay:         500 * time.Millisecond,
			StatusInterval:      5 * time.Second,
			MaxTimerDuration:    pageDefaults.MaxTimerDuration,
			MaxTimerChainLength: pageDefaults.MaxTimerChainLength,
			WaitForPromises:     true,
			Horizon:             pageDefaults.Horizon,
		},
		Replay: ReplayConfig{
			Parallelism: 0,
			PairTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backends: []string{"file"},
			Dir:      filepath.Join(homeDir, ".ajaxrace", "runs"),
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "ajaxrace:",
				TTL:     7 * 24 * time.Hour,
				Timeout: 5 * time.Second,
			},
			S3: S3Config{
				Prefix:  "ajaxrace/",
				Timeout: 30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "ajaxrace",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Page returns the page runtime policy.
func (a AnalysisConfig) Page() page.Config {
	return page.Config{
		MaxTimerDuration:    a.MaxTimerDuration,
		MaxTimerChainLength: a.MaxTimerChainLength,
		SkipTimerCallbacks:  append([]string(nil), a.SkipTimerCallbacks...),
		Horizon:             a.Horizon,
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var problems []string
	if c.Analysis.SettleDelay < 0 {
		problems = append(problems, "analysis.settle_delay must not be negative")
	}
	if c.Analysis.MaxTimerDuration < 0 {
		problems = append(problems, "analysis.max_timer_duration must not be negative")
	}
	if c.Analysis.MaxTimerChainLength == 0 || c.Analysis.MaxTimerChainLength < -1 {
		problems = append(problems, "analysis.max_timer_chain_length must be positive or -1")
	}
	if c.Replay.Parallelism < 0 {
		problems = append(problems, "replay.parallelism must not be negative")
	}
	for _, b := range c.Store.Backends {
		switch b {
		case "file":
			if c.Store.Dir == "" {
				problems = append(problems, "store.dir is required for the file backend")
			}
		case "redis":
			if c.Store.Redis.Address == "" {
				problems = append(problems, "store.redis.address is required for the redis backend")
			}
		case "s3":
			if c.Store.S3.Bucket == "" {
				problems = append(problems, "store.s3.bucket is required for the s3 backend")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown store backend %q", b))
		}
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		problems = append(problems, "telemetry.sample_rate must be within [0, 1]")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if len(problems) > 0 {
		return errors.New(errors.CodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order. explicit,
// if set, must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()
	m.paths = nil

	// Load from paths in order (later overrides earlier)
	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but fail on broken ones
			if !os.IsNotExist(err) {
				return errors.Wrapf(err, errors.CodeConfigInvalid, "load %s", path)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			if os.IsNotExist(err) {
				return errors.Wrapf(err, errors.CodeConfigNotFound, "config file %s", explicit)
			}
			return errors.Wrapf(err, errors.CodeConfigInvalid, "load %s", explicit)
		}
		m.paths = append(m.paths, explicit)
	}

	// Override with environment variables
	if err := m.loadEnv(); err != nil {
		return err
	}

	return m.config.Validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/ajaxrace/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ajaxrace", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".ajaxrace.yaml"))
	}

	return paths
}

// loadFile decodes a config file on top of the current configuration, so
// keys the file leaves out keep their value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv loads configuration from AJAXRACE_* environment variables.
func (m *Manager) loadEnv() error {
	c := m.config
	durations := map[string]*time.Duration{
		"AJAXRACE_SETTLE_DELAY":       &c.Analysis.SettleDelay,
		"AJAXRACE_STATUS_INTERVAL":    &c.Analysis.StatusInterval,
		"AJAXRACE_MAX_TIMER_DURATION": &c.Analysis.MaxTimerDuration,
		"AJAXRACE_PAIR_TIMEOUT":       &c.Replay.PairTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, errors.CodeConfigInvalid, "%s", name)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"AJAXRACE_MAX_TIMER_CHAIN_LENGTH": &c.Analysis.MaxTimerChainLength,
		"AJAXRACE_PARALLELISM":            &c.Replay.Parallelism,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, errors.CodeConfigInvalid, "%s", name)
			}
			*dst = n
		}
	}

	if v := os.Getenv("AJAXRACE_WAIT_FOR_PROMISES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, errors.CodeConfigInvalid, "AJAXRACE_WAIT_FOR_PROMISES")
		}
		c.Analysis.WaitForPromises = b
	}

	// AJAXRACE_STORE: comma separated backends
	if v := os.Getenv("AJAXRACE_STORE"); v != "" {
		c.Store.Backends = strings.Split(v, ",")
	}
	if v := os.Getenv("AJAXRACE_STORE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("AJAXRACE_REDIS_ADDRESS"); v != "" {
		c.Store.Redis.Address = v
	}
	if v := os.Getenv("AJAXRACE_S3_BUCKET"); v != "" {
		c.Store.S3.Bucket = v
	}
	if v := os.Getenv("AJAXRACE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("AJAXRACE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AJAXRACE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Save writes the current config to path, or to the user config file if
// path is empty.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".ajaxrace", "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
