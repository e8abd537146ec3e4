package modes

import (
	"context"
	"log/slog"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/session"
)

// Replay runs the two handlers of a pair one after the other. With
// BlockAsyncResponses set, AJAX responses and async scripts caused by the
// first handler are held back until the second handler has settled.
type Replay struct {
	Pair                PairSpec
	BlockAsyncResponses bool
	Logger              *slog.Logger

	// Postprocessing runs after the pair settled and before the document
	// is snapshotted, e.g. to remove content that changes on every load.
	Postprocessing []listener.Prerequisite
}

// Postprocessor is a site with postprocessing steps for its replays.
type Postprocessor interface {
	Postprocessing() []listener.Prerequisite
}

// Synchronous replays pair letting every response arrive in order.
func Synchronous(pair PairSpec) *Replay {
	return &Replay{Pair: pair}
}

// Adverse replays pair postponing the first handler's responses.
func Adverse(pair PairSpec) *Replay {
	return &Replay{Pair: pair, BlockAsyncResponses: true}
}

func (r *Replay) Name() string {
	if r.BlockAsyncResponses {
		return AdverseMode
	}
	return SynchronousMode
}

// Run replays the pair on s. Failing to resolve or settle a handler is
// reported in the result with status FAIL; only cancellation is returned
// as an error.
func (r *Replay) Run(ctx context.Context, s *session.Session) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", r.Name(), "pair", r.Pair.ID)

	pr := &PairResult{PairID: r.Pair.ID, Mode: r.Name(), Status: StatusSuccess}
	res := &Result{Mode: r.Name(), Pair: pr}

	fail := func(err error) (*Result, error) {
		if ctx.Err() != nil {
			return nil, errors.ContextCanceled(r.Name() + " " + r.Pair.ID)
		}
		logger.Warn("replay failed", "err", err)
		pr.Status = StatusFail
		pr.Error = err.Error()
		pr.Snapshot = s.Snapshot()
		return res, nil
	}

	_, found, err := replayHandler(ctx, s, r.Pair.First, r.BlockAsyncResponses)
	if err != nil {
		return fail(err)
	}
	if !found {
		return fail(errors.ListenerNotFound("first"))
	}

	_, found, err = replayHandler(ctx, s, r.Pair.Second, false)
	if err == nil && !found {
		err = errors.ListenerNotFound("second")
	}
	if err != nil {
		// Deliver what the first handler left behind.
		if _, ferr := s.Events.DispatchBlockedEvents(ctx, s.Page); ferr != nil {
			logger.Warn("flushing postponed events", "err", ferr)
		}
		return fail(err)
	}

	n, err := s.Events.DispatchBlockedEvents(ctx, s.Page)
	if err != nil {
		return fail(err)
	}
	if err := runPrerequisites(ctx, s, r.Postprocessing); err != nil {
		return fail(errors.Wrap(err, errors.CodeReplayFailed, "postprocessing"))
	}
	pr.NumPostponedEvents = n
	pr.Snapshot = s.Snapshot()
	logger.Info("replayed pair",
		"first", r.Pair.First.String(),
		"second", r.Pair.Second.String(),
		"postponed", n)
	return res, nil
}
