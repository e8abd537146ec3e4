// Package modes implements the execution modes of the race detector:
// OBSERVATION records a trace per user event handler, SYNCHRONOUS and
// ADVERSE replay a pair of handlers with and without postponing the
// asynchronous work of the first.
package modes

import (
	"context"

	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/session"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Mode runs against a loaded session.
type Mode interface {
	Name() string
	Run(ctx context.Context, s *session.Session) (*Result, error)
}

// Mode names.
const (
	ObservationMode = "observation"
	SynchronousMode = "synchronous"
	AdverseMode     = "adverse"
)

// Status is the outcome of a pair replay.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

// HandlerTrace is the observation of one user event handler.
type HandlerTrace struct {
	Identity listener.Identity `json:"identity" yaml:"identity"`
	Trace    *trace.Trace      `json:"trace" yaml:"-"`
}

// PairSpec names two handlers to replay in order.
type PairSpec struct {
	ID     string            `json:"id" yaml:"id"`
	First  listener.Identity `json:"first" yaml:"first"`
	Second listener.Identity `json:"second" yaml:"second"`
}

// PairResult is the outcome of replaying a pair.
type PairResult struct {
	PairID             string `json:"pairId"`
	Mode               string `json:"mode"`
	Status             Status `json:"status"`
	NumPostponedEvents int    `json:"numPostponedEvents"`
	Error              string `json:"error,omitempty"`

	// Snapshot is the document after the replay settled.
	Snapshot string `json:"snapshot,omitempty"`
}

// Result is what a mode produced. Observation fills Traces, the replay
// modes fill Pair.
type Result struct {
	Mode   string         `json:"mode"`
	Traces []HandlerTrace `json:"traces,omitempty"`
	Pair   *PairResult    `json:"pair,omitempty"`
}
