// Package metrics records run metrics: pairs replayed, races found,
// postponed events and phase durations.
package metrics

import (
	"time"
)

// Exporter exports metrics to a monitoring backend.
type Exporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names.
const (
	MetricHandlersObserved = "ajaxrace.observe.handlers"
	MetricPairsPlanned     = "ajaxrace.observe.pairs"
	MetricPairsReplayed    = "ajaxrace.replay.pairs"
	MetricPairsFailed      = "ajaxrace.replay.failed"
	MetricRaces            = "ajaxrace.replay.races"
	MetricPostponedEvents  = "ajaxrace.replay.postponed_events"
	MetricPhaseDuration    = "ajaxrace.phase.duration"
)

// Tag names.
const (
	TagSite  = "site"
	TagPhase = "phase"
	TagMode  = "mode"
)

// Phases tagged on MetricPhaseDuration.
const (
	PhaseObserve = "observe"
	PhaseReplay  = "replay"
	PhaseRun     = "run"
)

// Noop discards all metrics.
type Noop struct{}

func (Noop) Counter(string, int64, map[string]string)       {}
func (Noop) Gauge(string, float64, map[string]string)       {}
func (Noop) Timer(string, time.Duration, map[string]string) {}
func (Noop) Flush() error                                   { return nil }
func (Noop) Close() error                                   { return nil }

var _ Exporter = Noop{}
