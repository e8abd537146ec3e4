package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/resilience"
)

// MultiBackend writes to every backend and reads from the first one that
// has the document.
type MultiBackend struct {
	primary     Backend
	secondaries []Backend
	breakers    []*resilience.CircuitBreaker
	logger      *slog.Logger
}

// NewMultiBackend creates a backend over primary and secondaries. Writes to
// secondaries are best-effort; a secondary that keeps failing is skipped
// until its circuit breaker lets a trial write through.
func NewMultiBackend(logger *slog.Logger, primary Backend, secondaries ...Backend) *MultiBackend {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MultiBackend{
		primary:     primary,
		secondaries: secondaries,
		logger:      logger.With("component", "store"),
	}
	for _, b := range secondaries {
		cb := resilience.NewCircuitBreaker()
		name := b.Name()
		cb.OnTrip = func(reason string) {
			m.logger.Warn("secondary store disabled", "backend", name, "reason", reason)
		}
		m.breakers = append(m.breakers, cb)
	}
	return m
}

// Put writes to the primary first.
func (m *MultiBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := m.primary.Put(ctx, key, data); err != nil {
		return err
	}
	for i, b := range m.secondaries {
		err := m.breakers[i].Do(func() error { return b.Put(ctx, key, data) })
		if err != nil {
			m.logger.Warn("secondary write failed", "backend", b.Name(), "key", key, "err", err)
		}
	}
	return nil
}

// Get reads from primary, falls back to the secondaries.
func (m *MultiBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := m.primary.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	for _, b := range m.secondaries {
		if d, serr := b.Get(ctx, key); serr == nil {
			return d, nil
		}
	}
	return nil, err
}

// Delete removes from every backend.
func (m *MultiBackend) Delete(ctx context.Context, key string) error {
	var errs errors.MultiError
	for _, b := range m.all() {
		if err := b.Delete(ctx, key); err != nil {
			errs.Add(err)
		}
	}
	return errs.Combined()
}

// List returns the primary's keys.
func (m *MultiBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return m.primary.List(ctx, prefix)
}

// Name returns the combined backend names.
func (m *MultiBackend) Name() string {
	names := make([]string, 0, len(m.secondaries)+1)
	for _, b := range m.all() {
		names = append(names, b.Name())
	}
	return strings.Join(names, "+")
}

func (m *MultiBackend) Close() error {
	var errs errors.MultiError
	for _, b := range m.all() {
		if err := b.Close(); err != nil {
			errs.Add(err)
		}
	}
	return errs.Combined()
}

func (m *MultiBackend) all() []Backend {
	return append([]Backend{m.primary}, m.secondaries...)
}

// Open connects the backends named in cfg. The first is the primary.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Backend, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New(errors.CodeConfigInvalid, "no store backend configured")
	}

	var backends []Backend
	closeAll := func() {
		for _, b := range backends {
			b.Close()
		}
	}
	for _, name := range cfg.Backends {
		var (
			b   Backend
			err error
		)
		switch strings.TrimSpace(name) {
		case "file":
			b, err = NewFileBackend(cfg.Dir)
		case "redis":
			err = resilience.Retry(ctx, resilience.DefaultRetryPolicy(), func(ctx context.Context) error {
				rb, rerr := NewRedisBackend(ctx, cfg.Redis)
				if rerr == nil {
					b = rb
				}
				return rerr
			})
		case "s3":
			b, err = NewS3Backend(ctx, cfg.S3)
		default:
			err = errors.Newf(errors.CodeConfigInvalid, "unknown store backend %q", name)
		}
		if err != nil {
			closeAll()
			return nil, err
		}
		backends = append(backends, b)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiBackend(logger, backends[0], backends[1:]...), nil
}
