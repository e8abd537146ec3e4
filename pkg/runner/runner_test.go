package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/metrics"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
	"github.com/ajaxrace/ajaxrace/pkg/page"
	"github.com/ajaxrace/ajaxrace/pkg/session"
	"github.com/ajaxrace/ajaxrace/pkg/store"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

func add(p *page.Page, tag, id string, r trace.Rect) *dom.Element {
	el := p.Document().CreateElement(tag)
	el.ID = id
	el.SetRect(r)
	p.Document().Body().AppendChild(el)
	return el
}

var raceSite = session.SiteFunc{
	SiteName: "race",
	Fn: func(p *page.Page) (page.Script, error) {
		p.Network().Handle(page.Route{URL: "/a", Body: "A", Latency: 100 * time.Millisecond})
		result := add(p, "div", "result", trace.Rect{Width: 100, Height: 20})
		a := add(p, "button", "a", trace.Rect{Y: 30, Width: 40, Height: 20})
		b := add(p, "button", "b", trace.Rect{X: 50, Y: 30, Width: 40, Height: 20})

		return func(p *page.Page) {
			p.AddEventListener(a, "click", func(p *page.Page, _ *page.Event) {
				x := p.NewXHR()
				x.Open("GET", "/a", true)
				x.On("load", func(p *page.Page, _ *page.Event) { p.SetText(result, x.ResponseText()) })
				x.Send()
			}, listener.Options{})
			p.AddEventListener(b, "click", func(p *page.Page, _ *page.Event) {
				p.SetText(result, "B")
			}, listener.Options{})
		}, nil
	},
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Analysis.SettleDelay = 0
	cfg.Analysis.StatusInterval = 0
	cfg.Replay.Parallelism = 2
	return cfg
}

func newStore(t *testing.T) *store.FileBackend {
	t.Helper()
	b, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRun_FindsRace(t *testing.T) {
	ctx := context.Background()
	b := newStore(t)
	r := New(Options{Config: testConfig(), Store: b})

	rep, err := r.Run(ctx, raceSite, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failures != nil {
		t.Fatalf("failures: %v", rep.Failures)
	}
	if len(rep.Observation.Traces) != 2 {
		t.Fatalf("observed %d handlers, want 2", len(rep.Observation.Traces))
	}

	ids := make(map[string]bool)
	for _, p := range rep.Observation.Pairs {
		ids[p.ID] = true
	}
	if !ids["0-1"] {
		t.Fatalf("pairs = %v, want 0-1 planned", rep.Observation.Pairs)
	}
	if len(rep.Replays) != len(rep.Observation.Pairs) {
		t.Errorf("replayed %d of %d pairs", len(rep.Replays), len(rep.Observation.Pairs))
	}

	races := rep.Races()
	if len(races) != 1 || races[0].Pair.ID != "0-1" {
		t.Fatalf("races = %+v", races)
	}
	race := races[0]
	if race.Synchronous.NumPostponedEvents != 0 || race.Adverse.NumPostponedEvents != 1 {
		t.Errorf("postponed = %d/%d", race.Synchronous.NumPostponedEvents, race.Adverse.NumPostponedEvents)
	}

	saved, err := store.ListReplays(ctx, b, rep.Observation.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != len(rep.Replays) {
		t.Errorf("stored %d replays, want %d", len(saved), len(rep.Replays))
	}
	obs, err := store.LoadObservation(ctx, b, rep.Observation.RunID)
	if err != nil {
		t.Fatalf("LoadObservation: %v", err)
	}
	if obs.Site != "race" || obs.LoadTime != rep.Observation.LoadTime {
		t.Errorf("stored observation = %+v", obs)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	m := metrics.NewLogMetrics()
	r := New(Options{Config: testConfig(), Metrics: m})

	rep, err := r.Run(context.Background(), raceSite, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	site := map[string]string{metrics.TagSite: "race"}
	if got := m.GaugeValue(metrics.MetricHandlersObserved, site); got != 2 {
		t.Errorf("handlers = %v, want 2", got)
	}
	pairs := int64(len(rep.Observation.Pairs))
	if got := m.CounterValue(metrics.MetricPairsPlanned, site); got != pairs {
		t.Errorf("planned = %d, want %d", got, pairs)
	}
	if got := m.CounterValue(metrics.MetricPairsReplayed, site); got != pairs {
		t.Errorf("replayed = %d, want %d", got, pairs)
	}
	if got := m.CounterValue(metrics.MetricRaces, site); got != 1 {
		t.Errorf("races = %d, want 1", got)
	}
	if got := m.CounterValue(metrics.MetricPairsFailed, site); got != 0 {
		t.Errorf("failed = %d", got)
	}
	syncTags := map[string]string{metrics.TagSite: "race", metrics.TagMode: modes.SynchronousMode}
	if got := m.CounterValue(metrics.MetricPostponedEvents, syncTags); got != 0 {
		t.Errorf("synchronous postponed = %d", got)
	}
	adverseTags := map[string]string{metrics.TagSite: "race", metrics.TagMode: modes.AdverseMode}
	if got := m.CounterValue(metrics.MetricPostponedEvents, adverseTags); got < 1 {
		t.Errorf("adverse postponed = %d, want at least 1", got)
	}
	for _, phase := range []string{metrics.PhaseObserve, metrics.PhaseReplay, metrics.PhaseRun} {
		tags := map[string]string{metrics.TagSite: "race", metrics.TagPhase: phase}
		if n := m.TimerCount(metrics.MetricPhaseDuration, tags); n != 1 {
			t.Errorf("%s durations = %d, want 1", phase, n)
		}
	}
}

func TestVerdict(t *testing.T) {
	ok := func(snap string) *modes.PairResult {
		return &modes.PairResult{Status: modes.StatusSuccess, Snapshot: snap}
	}
	failed := &modes.PairResult{Status: modes.StatusFail}

	tests := []struct {
		name      string
		sync, adv *modes.PairResult
		wantRace  bool
	}{
		{"same document", ok("x"), ok("x"), false},
		{"different documents", ok("x"), ok("y"), true},
		{"synchronous failed", failed, ok("y"), false},
		{"adverse failed", ok("x"), failed, false},
		{"missing", nil, ok("y"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verdict(tt.sync, tt.adv); got != tt.wantRace {
				t.Errorf("Verdict = %v, want %v", got, tt.wantRace)
			}
		})
	}
}

func TestReplayAll_MissingListener(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []int
	)
	r := New(Options{
		Config: testConfig(),
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != 2 {
				t.Errorf("total = %d", total)
			}
			calls = append(calls, done)
		},
	})

	pairs := []modes.PairSpec{
		{ID: "0-1", First: listener.Identity{Selector: "#a", Type: "click"}, Second: listener.Identity{Selector: "#b", Type: "click"}},
		{ID: "0-2", First: listener.Identity{Selector: "#a", Type: "click"}, Second: listener.Identity{Selector: "#nope", Type: "click"}},
	}
	replays, err := r.ReplayAll(context.Background(), raceSite, "run", pairs)
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if len(replays) != 2 {
		t.Fatalf("replays = %d, want 2", len(replays))
	}
	if replays[0].Pair.ID != "0-1" || !replays[0].Race {
		t.Errorf("first replay = %+v", replays[0])
	}
	missing := replays[1]
	if missing.Race || missing.Synchronous.Status != modes.StatusFail || missing.Adverse.Status != modes.StatusFail {
		t.Errorf("missing listener replay = %+v", missing)
	}
	if len(calls) != 2 {
		t.Errorf("progress calls = %v", calls)
	}
}

func TestReplayAll_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(Options{Config: testConfig()})
	pairs := []modes.PairSpec{{ID: "0-1"}}
	if _, err := r.ReplayAll(ctx, raceSite, "run", pairs); err == nil {
		t.Fatal("expected an error from a canceled context")
	}
}
