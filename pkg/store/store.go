// Package store persists observations and pair replay results. Documents
// are JSON and addressed by slash separated keys, so the same layout works
// on a directory, a Redis keyspace and an S3 prefix.
package store

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
)

// Backend defines the interface for document storage backends.
type Backend interface {
	// Put stores data under key, replacing any previous document.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the document under key or a CodeStoreNotFound error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the document under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Name returns the backend name for logging/debugging.
	Name() string

	Close() error
}

// Observation is the persisted result of observing a site.
type Observation struct {
	RunID     string               `json:"runId"`
	Site      string               `json:"site"`
	CreatedAt time.Time            `json:"createdAt"`
	LoadTime  time.Duration        `json:"loadTimeNs"`
	Traces    []modes.HandlerTrace `json:"traces"`
	Pairs     []modes.PairSpec     `json:"pairs,omitempty"`
}

// Replay is the persisted outcome of replaying one pair in both modes.
type Replay struct {
	RunID       string            `json:"runId"`
	Site        string            `json:"site"`
	Pair        modes.PairSpec    `json:"pair"`
	Synchronous *modes.PairResult `json:"synchronous,omitempty"`
	Adverse     *modes.PairResult `json:"adverse,omitempty"`
	Race        bool              `json:"race"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ObservationKey is the key of a run's observation.
func ObservationKey(runID string) string {
	return path.Join("runs", runID, "observation.json")
}

// ReplayKey is the key of a pair's replay within a run.
func ReplayKey(runID, pairID string) string {
	return path.Join("runs", runID, "replays", pairID+".json")
}

func putJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "encode %s", key)
	}
	return b.Put(ctx, key, data)
}

func getJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, errors.CodeStoreRead, "decode %s", key)
	}
	return nil
}

// SaveObservation stores o under its run.
func SaveObservation(ctx context.Context, b Backend, o *Observation) error {
	return putJSON(ctx, b, ObservationKey(o.RunID), o)
}

// LoadObservation reads the observation of runID.
func LoadObservation(ctx context.Context, b Backend, runID string) (*Observation, error) {
	var o Observation
	if err := getJSON(ctx, b, ObservationKey(runID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveReplay stores r under its run.
func SaveReplay(ctx context.Context, b Backend, r *Replay) error {
	return putJSON(ctx, b, ReplayKey(r.RunID, r.Pair.ID), r)
}

// ListReplays reads every replay of runID, ordered by key.
func ListReplays(ctx context.Context, b Backend, runID string) ([]*Replay, error) {
	keys, err := b.List(ctx, path.Join("runs", runID, "replays")+"/")
	if err != nil {
		return nil, err
	}
	replays := make([]*Replay, 0, len(keys))
	for _, key := range keys {
		var r Replay
		if err := getJSON(ctx, b, key, &r); err != nil {
			return nil, err
		}
		replays = append(replays, &r)
	}
	return replays, nil
}

// ListRuns returns the ids of the stored runs.
func ListRuns(ctx context.Context, b Backend) ([]string, error) {
	keys, err := b.List(ctx, "runs/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var runs []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "runs/")
		id, _, ok := strings.Cut(rest, "/")
		if ok && !seen[id] {
			seen[id] = true
			runs = append(runs, id)
		}
	}
	sort.Strings(runs)
	return runs, nil
}

func notFound(backend, key string) error {
	return errors.Newf(errors.CodeStoreNotFound, "%s: no document %s", backend, key).
		WithContext("key", key)
}

// IsNotFound reports whether err is a missing document.
func IsNotFound(err error) bool {
	return errors.IsCode(err, errors.CodeStoreNotFound)
}
