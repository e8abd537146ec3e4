package metrics

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogMetrics aggregates metrics in memory and writes them to a logger on
// Flush. Counters add up, gauges keep the last value and timers keep the
// count and the total.
type LogMetrics struct {
	mu       sync.Mutex
	logger   *slog.Logger
	level    slog.Level
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*timing
}

type timing struct {
	count int
	total time.Duration
}

// Option configures LogMetrics.
type Option func(*LogMetrics)

// WithLogger sets the logger metrics are written to.
func WithLogger(l *slog.Logger) Option {
	return func(m *LogMetrics) { m.logger = l }
}

// WithLevel sets the level metrics are logged at.
func WithLevel(level slog.Level) Option {
	return func(m *LogMetrics) { m.level = level }
}

// NewLogMetrics creates an empty log exporter.
func NewLogMetrics(opts ...Option) *LogMetrics {
	m := &LogMetrics{
		logger:   slog.Default(),
		level:    slog.LevelInfo,
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]*timing),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "metrics")
	return m
}

// key joins name and sorted tags, e.g. "ajaxrace.replay.races{site=demo}".
func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key(name, tags)] += value
}

func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key(name, tags)] = value
}

func (m *LogMetrics) Timer(name string, d time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(name, tags)
	t, ok := m.timers[k]
	if !ok {
		t = &timing{}
		m.timers[k] = t
	}
	t.count++
	t.total += d
}

// CounterValue returns the accumulated value of a counter.
func (m *LogMetrics) CounterValue(name string, tags map[string]string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key(name, tags)]
}

// GaugeValue returns the last value of a gauge.
func (m *LogMetrics) GaugeValue(name string, tags map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key(name, tags)]
}

// TimerCount returns how many durations a timer recorded.
func (m *LogMetrics) TimerCount(name string, tags map[string]string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key(name, tags)]; ok {
		return t.count
	}
	return 0
}

// Flush logs every metric in name order and resets them.
func (m *LogMetrics) Flush() error {
	m.mu.Lock()
	counters, gauges, timers := m.counters, m.gauges, m.timers
	m.counters = make(map[string]int64)
	m.gauges = make(map[string]float64)
	m.timers = make(map[string]*timing)
	m.mu.Unlock()

	ctx := context.Background()
	for _, k := range sortedKeys(counters) {
		m.logger.Log(ctx, m.level, "counter", "metric", k, "value", counters[k])
	}
	for _, k := range sortedKeys(gauges) {
		m.logger.Log(ctx, m.level, "gauge", "metric", k, "value", gauges[k])
	}
	for _, k := range sortedKeys(timers) {
		t := timers[k]
		m.logger.Log(ctx, m.level, "timer", "metric", k, "count", t.count, "total", t.total)
	}
	return nil
}

// Close flushes the exporter.
func (m *LogMetrics) Close() error {
	return m.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Exporter = (*LogMetrics)(nil)
