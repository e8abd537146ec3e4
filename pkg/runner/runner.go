// Package runner orchestrates a full analysis: observe every handler of a
// site, plan the conflicting pairs and replay each pair synchronously and
// adversely in fresh pages.
package runner

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/conflict"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/metrics"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
	"github.com/ajaxrace/ajaxrace/pkg/session"
	"github.com/ajaxrace/ajaxrace/pkg/store"
	"github.com/ajaxrace/ajaxrace/pkg/telemetry"
)

// Options configure a Runner.
type Options struct {
	Config *config.Config

	// Store, if set, receives the observation and every replay.
	Store store.Backend

	Logger *slog.Logger

	// Metrics receives run metrics. Nil discards them.
	Metrics metrics.Exporter

	// Progress is called after every finished pair.
	Progress func(done, total int)
}

// Runner runs analyses. It is safe for concurrent use.
type Runner struct {
	cfg      *config.Config
	store    store.Backend
	logger   *slog.Logger
	metrics  metrics.Exporter
	progress func(done, total int)
	now      func() time.Time
}

// New creates a runner. A nil config means config.Default().
func New(opts Options) *Runner {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	exporter := opts.Metrics
	if exporter == nil {
		exporter = metrics.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		store:    opts.Store,
		logger:   logger.With("component", "runner"),
		metrics:  exporter,
		progress: opts.Progress,
		now:      time.Now,
	}
}

func (r *Runner) sessionOptions() session.Options {
	return session.Options{
		Page:            r.cfg.Analysis.Page(),
		StatusInterval:  r.cfg.Analysis.StatusInterval,
		WaitForPromises: r.cfg.Analysis.WaitForPromises,
		Logger:          r.logger,
	}
}

func (r *Runner) open(ctx context.Context, site session.Site) (*session.Session, error) {
	return session.Open(ctx, site, r.sessionOptions())
}

// Report is the outcome of a full run.
type Report struct {
	Observation *store.Observation
	Matrix      *conflict.Matrix
	Replays     []*store.Replay

	// Failures holds the pairs that could not be replayed at all.
	Failures error
}

// Races returns the replays whose two modes ended in different documents.
func (rep *Report) Races() []*store.Replay {
	var races []*store.Replay
	for _, r := range rep.Replays {
		if r.Race {
			races = append(races, r)
		}
	}
	return races
}

// Observe loads site, records every handler (or the manual sequence) and
// plans the pairs to replay.
func (r *Runner) Observe(ctx context.Context, site session.Site, manual []listener.Identity) (*store.Observation, *conflict.Matrix, error) {
	runID := uuid.NewString()
	ctx, span := telemetry.Start(ctx, "observe",
		attribute.String("site", site.Name()),
		attribute.String("run.id", runID))
	obs, m, err := r.observe(ctx, site, runID, manual)
	telemetry.End(span, err)
	return obs, m, err
}

func (r *Runner) observe(ctx context.Context, site session.Site, runID string, manual []listener.Identity) (*store.Observation, *conflict.Matrix, error) {
	start := r.now()
	tags := map[string]string{metrics.TagSite: site.Name()}
	s, err := r.open(ctx, site)
	if err != nil {
		return nil, nil, err
	}
	mode := &modes.Observation{
		Manual:      manual,
		SettleDelay: r.cfg.Analysis.SettleDelay,
		Logger:      r.logger,
	}
	if r.cfg.Analysis.SettleDelay == 0 {
		mode.SettleDelay = -1
	}
	res, err := mode.Run(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	pairs, m, err := conflict.Plan(res.Traces, r.logger)
	if err != nil {
		return nil, nil, err
	}

	obs := &store.Observation{
		RunID:     runID,
		Site:      site.Name(),
		CreatedAt: r.now().UTC(),
		LoadTime:  s.LoadTime,
		Traces:    res.Traces,
		Pairs:     pairs,
	}
	if r.store != nil {
		if err := store.SaveObservation(ctx, r.store, obs); err != nil {
			return nil, nil, err
		}
	}
	r.metrics.Gauge(metrics.MetricHandlersObserved, float64(len(res.Traces)), tags)
	r.metrics.Counter(metrics.MetricPairsPlanned, int64(len(pairs)), tags)
	r.metrics.Timer(metrics.MetricPhaseDuration, r.now().Sub(start), phaseTags(site, metrics.PhaseObserve))
	r.logger.Info("observation complete",
		"run", runID,
		"site", site.Name(),
		"handlers", len(res.Traces),
		"pairs", len(pairs))
	return obs, m, nil
}

// ReplayPair replays pair in the SYNCHRONOUS and the ADVERSE modes, each
// in a freshly loaded page, and compares the final documents.
func (r *Runner) ReplayPair(ctx context.Context, site session.Site, runID string, pair modes.PairSpec) (*store.Replay, error) {
	ctx, span := telemetry.Start(ctx, "replay",
		attribute.String("site", site.Name()),
		attribute.String("pair.id", pair.ID))
	rep, err := r.replayPair(ctx, site, runID, pair)
	if err == nil {
		span.SetAttributes(attribute.Bool("race", rep.Race))
	}
	telemetry.End(span, err)
	return rep, err
}

func (r *Runner) replayPair(ctx context.Context, site session.Site, runID string, pair modes.PairSpec) (*store.Replay, error) {
	if timeout := r.cfg.Replay.PairTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep := &store.Replay{RunID: runID, Site: site.Name(), Pair: pair, CreatedAt: r.now().UTC()}
	var post []listener.Prerequisite
	if pp, ok := site.(modes.Postprocessor); ok {
		post = pp.Postprocessing()
	}
	for _, mode := range []*modes.Replay{modes.Synchronous(pair), modes.Adverse(pair)} {
		mode.Logger = r.logger
		mode.Postprocessing = post
		s, err := r.open(ctx, site)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeReplayFailed, "%s %s", mode.Name(), pair.ID)
		}
		res, err := mode.Run(ctx, s)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeReplayFailed, "%s %s", mode.Name(), pair.ID)
		}
		if mode.BlockAsyncResponses {
			rep.Adverse = res.Pair
		} else {
			rep.Synchronous = res.Pair
		}
	}
	rep.Race = Verdict(rep.Synchronous, rep.Adverse)
	r.record(site, rep)

	if r.store != nil {
		if err := store.SaveReplay(ctx, r.store, rep); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func phaseTags(site session.Site, phase string) map[string]string {
	return map[string]string{metrics.TagSite: site.Name(), metrics.TagPhase: phase}
}

// record counts one replayed pair.
func (r *Runner) record(site session.Site, rep *store.Replay) {
	tags := map[string]string{metrics.TagSite: site.Name()}
	r.metrics.Counter(metrics.MetricPairsReplayed, 1, tags)
	if rep.Race {
		r.metrics.Counter(metrics.MetricRaces, 1, tags)
	}
	for _, pr := range []*modes.PairResult{rep.Synchronous, rep.Adverse} {
		if pr == nil {
			continue
		}
		modeTags := map[string]string{metrics.TagSite: site.Name(), metrics.TagMode: pr.Mode}
		r.metrics.Counter(metrics.MetricPostponedEvents, int64(pr.NumPostponedEvents), modeTags)
	}
}

// Verdict reports a race when both replays succeeded and the documents
// they left behind differ.
func Verdict(synchronous, adverse *modes.PairResult) bool {
	if synchronous == nil || adverse == nil {
		return false
	}
	if synchronous.Status != modes.StatusSuccess || adverse.Status != modes.StatusSuccess {
		return false
	}
	return synchronous.Snapshot != adverse.Snapshot
}

// ReplayAll replays pairs with bounded parallelism. A pair that cannot be
// replayed is recorded in the returned MultiError and does not stop the
// others. The replays are returned in the order of pairs.
func (r *Runner) ReplayAll(ctx context.Context, site session.Site, runID string, pairs []modes.PairSpec) ([]*store.Replay, error) {
	limit := r.cfg.Replay.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	start := r.now()
	defer func() {
		r.metrics.Timer(metrics.MetricPhaseDuration, r.now().Sub(start), phaseTags(site, metrics.PhaseReplay))
	}()

	results := make([]*store.Replay, len(pairs))
	var (
		mu       sync.Mutex
		failures errors.MultiError
		done     int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			rep, err := r.ReplayPair(gctx, site, runID, pair)
			mu.Lock()
			defer mu.Unlock()
			done++
			if r.progress != nil {
				r.progress(done, len(pairs))
			}
			if err != nil {
				if gctx.Err() != nil {
					return errors.ContextCanceled("replay " + pair.ID)
				}
				r.logger.Warn("pair replay failed", "pair", pair.ID, "err", err)
				r.metrics.Counter(metrics.MetricPairsFailed, 1, map[string]string{metrics.TagSite: site.Name()})
				failures.Add(err)
				return nil
			}
			results[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	replays := make([]*store.Replay, 0, len(results))
	for _, rep := range results {
		if rep != nil {
			replays = append(replays, rep)
		}
	}
	return replays, failures.Combined()
}

// Run observes site and replays every planned pair.
func (r *Runner) Run(ctx context.Context, site session.Site, manual []listener.Identity) (*Report, error) {
	ctx, span := telemetry.Start(ctx, "run", attribute.String("site", site.Name()))
	rep, err := r.run(ctx, site, manual)
	if err == nil {
		span.SetAttributes(
			attribute.Int("pairs", len(rep.Observation.Pairs)),
			attribute.Int("races", len(rep.Races())))
	}
	telemetry.End(span, err)
	return rep, err
}

func (r *Runner) run(ctx context.Context, site session.Site, manual []listener.Identity) (*Report, error) {
	start := r.now()
	obs, m, err := r.Observe(ctx, site, manual)
	if err != nil {
		return nil, err
	}
	replays, err := r.ReplayAll(ctx, site, obs.RunID, obs.Pairs)
	if err != nil && errors.IsCode(err, errors.CodeContextCanceled) {
		return nil, err
	}

	rep := &Report{Observation: obs, Matrix: m, Replays: replays, Failures: err}
	r.metrics.Timer(metrics.MetricPhaseDuration, r.now().Sub(start), phaseTags(site, metrics.PhaseRun))
	r.logger.Info("run complete",
		"run", obs.RunID,
		"pairs", len(obs.Pairs),
		"replayed", len(replays),
		"races", len(rep.Races()))
	return rep, nil
}
