package modes

import (
	"context"
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/session"
)

// DefaultSettleDelay is the page time left between two observed handlers.
const DefaultSettleDelay = 500 * time.Millisecond

// Observation records a trace for every user event handler of a page.
//
// With Manual set, the listed handlers run in order, each after its
// prerequisites. Otherwise every round picks the first registered listener
// that is eligible and not yet observed, so listeners registered by earlier
// handlers are observed too.
type Observation struct {
	Manual []listener.Identity

	// Filter, if set, restricts the automatically discovered listeners.
	Filter func(*listener.UserEventListener) bool

	// SettleDelay precedes every handler but the first. Zero means
	// DefaultSettleDelay; a negative value disables settling.
	SettleDelay time.Duration

	Logger *slog.Logger
}

func (o *Observation) Name() string { return ObservationMode }

func (o *Observation) logger() *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "observation")
}

func (o *Observation) settleDelay() time.Duration {
	switch {
	case o.SettleDelay == 0:
		return DefaultSettleDelay
	case o.SettleDelay < 0:
		return 0
	}
	return o.SettleDelay
}

func (o *Observation) Run(ctx context.Context, s *session.Session) (*Result, error) {
	res := &Result{Mode: o.Name()}
	logger := o.logger().With("site", s.Site)

	first := true
	settle := func() error {
		if first {
			first = false
			return nil
		}
		return s.Settle(ctx, o.settleDelay())
	}

	record := func(id listener.Identity, run func() (*HandlerTrace, error)) error {
		if err := settle(); err != nil {
			return cancelled(ctx, err)
		}
		ht, err := run()
		switch {
		case ctx.Err() != nil:
			return errors.ContextCanceled("observe " + id.String())
		case err != nil:
			logger.Warn("skipping handler", "listener", id.String(), "err", err)
		case ht != nil:
			logger.Info("observed handler", "listener", id.String(), "operations", ht.Trace.Len())
			res.Traces = append(res.Traces, *ht)
		}
		return nil
	}

	if len(o.Manual) > 0 {
		for _, id := range o.Manual {
			err := record(id, func() (*HandlerTrace, error) {
				c, found, err := replayHandler(ctx, s, id, false)
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, errors.New(errors.CodeListenerNotFound, "listener not found")
				}
				return &HandlerTrace{Identity: c.Identity, Trace: c.Trace}, nil
			})
			if err != nil {
				return res, err
			}
		}
		return res, nil
	}

	seen := make(map[string]bool)
	for {
		l := o.next(s, seen)
		if l == nil {
			break
		}
		id := l.Identity()
		seen[id.Key()] = true
		err := record(id, func() (*HandlerTrace, error) {
			c, err := capture(ctx, s, l, false)
			if err != nil {
				return nil, err
			}
			return &HandlerTrace{Identity: c.Identity, Trace: c.Trace}, nil
		})
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// next returns the first eligible listener not observed yet.
func (o *Observation) next(s *session.Session, seen map[string]bool) *listener.UserEventListener {
	for _, l := range s.Listeners() {
		if !listener.IsUserEventType(l.Target(), l.Type()) {
			continue
		}
		if o.Filter != nil && !o.Filter(l) {
			continue
		}
		if !seen[l.Identity().Key()] {
			return l
		}
	}
	return nil
}

func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.ContextCanceled("settle")
	}
	return err
}
