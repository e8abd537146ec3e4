package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
	"github.com/ajaxrace/ajaxrace/pkg/page"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

type harness struct {
	t      *testing.T
	p      *page.Page
	em     *monitor.EventMonitor
	reg    *monitor.RegistrationMonitor
	result *dom.Element
}

func newHarness(t *testing.T, cfg page.Config, script func(h *harness, p *page.Page), opts ...monitor.Option) *harness {
	t.Helper()
	d := monitor.NewDispatcher(nil)
	h := &harness{
		t:   t,
		em:  monitor.NewEventMonitor(append([]monitor.Option{monitor.WithStatusInterval(0)}, opts...)...),
		reg: monitor.NewRegistrationMonitor(),
	}
	d.Add(h.em)
	d.Add(h.reg)

	p, err := page.New(d, page.WithConfig(cfg))
	if err != nil {
		t.Fatalf("page.New: %v", err)
	}
	h.p = p
	h.result = h.element("div", "result", trace.Rect{Width: 100, Height: 20})
	p.Load(func(p *page.Page) { script(h, p) })
	if err := p.Loop().RunIdle(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

func (h *harness) element(tag, id string, r trace.Rect) *dom.Element {
	el := h.p.Document().CreateElement(tag)
	el.ID = id
	el.SetRect(r)
	h.p.Document().Body().AppendChild(el)
	return el
}

func (h *harness) listener(id string) *listener.UserEventListener {
	h.t.Helper()
	for _, l := range h.reg.Listeners() {
		if l.Target().ID == id {
			return l
		}
	}
	h.t.Fatalf("no listener on #%s", id)
	return nil
}

func (h *harness) capture(id string, block bool) *monitor.Capture {
	h.t.Helper()
	c, err := h.em.CreateTrace(context.Background(), h.p, h.listener(id), block)
	if err != nil {
		h.t.Fatalf("CreateTrace(#%s): %v", id, err)
	}
	return c
}

func opsOf(tr *trace.Trace, op trace.OpKind) []trace.Operation {
	var out []trace.Operation
	for _, o := range tr.Operations() {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

// ajaxScript registers #a, which loads /a and writes the response into
// #result, and #b, which writes "B" synchronously.
func ajaxScript(h *harness, p *page.Page) {
	p.Network().Handle(page.Route{URL: "/a", Body: "A", Latency: 100 * time.Millisecond})
	a := h.element("button", "a", trace.Rect{Y: 30, Width: 40, Height: 20})
	b := h.element("button", "b", trace.Rect{X: 50, Y: 30, Width: 40, Height: 20})

	p.AddEventListener(a, "click", func(p *page.Page, _ *page.Event) {
		x := p.NewXHR()
		x.Open("GET", "/a", true)
		x.On("load", func(p *page.Page, _ *page.Event) { p.SetText(h.result, x.ResponseText()) })
		x.Send()
	}, listener.Options{})
	p.AddEventListener(b, "click", func(p *page.Page, _ *page.Event) {
		p.SetText(h.result, "B")
	}, listener.Options{})
}

func TestEventMonitor_CapturesAJAXChain(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), ajaxScript)
	c := h.capture("a", false)

	if c.Identity.Selector != "#a" || c.Identity.Type != "click" {
		t.Errorf("identity = %+v", c.Identity)
	}
	if h.result.Text() != "A" {
		t.Errorf("result = %q, want A", h.result.Text())
	}

	tr := c.Trace
	roots := opsOf(tr, trace.OpRoot)
	forks := opsOf(tr, trace.OpFork)
	joins := opsOf(tr, trace.OpJoin)
	muts := opsOf(tr, trace.OpMutateDOM)
	if len(roots) != 1 || len(forks) != 1 || len(joins) != 2 || len(muts) != 1 {
		t.Fatalf("unexpected trace %+v", tr.Operations())
	}

	root := roots[0].U
	if forks[0].U != root || forks[0].Kind != string(trace.ForkAJAXRequest) || forks[0].Meta.URL != "/a" {
		t.Errorf("fork = %+v", forks[0])
	}
	first := forks[0].V
	done, loaded := joins[0], joins[1]
	if done.Kind == string(trace.JoinAJAXLoaded) {
		done, loaded = loaded, done
	}
	if done.U != first || done.V != root || done.Kind != string(trace.JoinAJAXDone) {
		t.Errorf("readystatechange join = %+v", done)
	}
	if loaded.V != first || loaded.Kind != string(trace.JoinAJAXLoaded) {
		t.Errorf("load join = %+v", loaded)
	}
	if muts[0].U != loaded.U || muts[0].Element != "#result" || muts[0].Area != (trace.Rect{Width: 100, Height: 20}) {
		t.Errorf("mutation = %+v", muts[0])
	}
}

func TestEventMonitor_BlockingPostponesResponses(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), ajaxScript)

	c := h.capture("a", true)
	if h.result.Text() != "" {
		t.Fatalf("response delivered during blocking capture: %q", h.result.Text())
	}
	if len(opsOf(c.Trace, trace.OpJoin)) != 0 {
		t.Error("blocked responses must not appear in the trace")
	}
	if n := h.em.Postponed(); n != 1 {
		t.Errorf("Postponed = %d, want 1", n)
	}

	h.capture("b", false)
	if h.result.Text() != "B" {
		t.Fatalf("result = %q, want B", h.result.Text())
	}

	n, err := h.em.DispatchBlockedEvents(context.Background(), h.p)
	if err != nil {
		t.Fatalf("DispatchBlockedEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("dispatched %d, want 1", n)
	}
	if h.result.Text() != "A" {
		t.Errorf("result = %q, want A after delivery", h.result.Text())
	}
	if h.em.Postponed() != 0 {
		t.Error("queue not cleared")
	}
}

func TestEventMonitor_AbortedResponseIsNotDelivered(t *testing.T) {
	var x *page.XHR
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		p.Network().Handle(page.Route{URL: "/slow", Body: "late"})
		start := h.element("button", "start", trace.Rect{Width: 10, Height: 10})
		stop := h.element("button", "stop", trace.Rect{X: 20, Width: 10, Height: 10})
		p.AddEventListener(start, "click", func(p *page.Page, _ *page.Event) {
			x = p.NewXHR()
			x.Open("GET", "/slow", true)
			x.On("load", func(p *page.Page, _ *page.Event) { p.SetText(h.result, "late") })
			x.Send()
		}, listener.Options{})
		p.AddEventListener(stop, "click", func(*page.Page, *page.Event) { x.Abort() }, listener.Options{})
	})

	h.capture("start", true)
	h.capture("stop", false)
	n, err := h.em.DispatchBlockedEvents(context.Background(), h.p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || h.result.Text() != "" {
		t.Errorf("aborted response delivered: n=%d result=%q", n, h.result.Text())
	}
}

func TestEventMonitor_TimerFork(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		btn := h.element("button", "go", trace.Rect{Y: 40, Width: 10, Height: 10})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			p.SetTimeout(func(p *page.Page) { p.SetText(h.result, "later") }, 300*time.Millisecond)
		}, listener.Options{})
	})
	c := h.capture("go", false)

	forks := opsOf(c.Trace, trace.OpFork)
	if len(forks) != 1 || forks[0].Kind != string(trace.ForkTimer) {
		t.Fatalf("forks = %+v", forks)
	}
	if forks[0].Meta.Delay == nil || *forks[0].Meta.Delay != 300 {
		t.Errorf("delay metadata = %+v", forks[0].Meta)
	}
	muts := opsOf(c.Trace, trace.OpMutateDOM)
	if len(muts) != 1 || muts[0].U != forks[0].V {
		t.Errorf("mutation should belong to the timer event: %+v", muts)
	}
}

func TestEventMonitor_IntervalChain(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		btn := h.element("button", "go", trace.Rect{Y: 40, Width: 10, Height: 10})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			ticks := 0
			var id int
			id = p.SetInterval(func(p *page.Page) {
				ticks++
				if ticks == 3 {
					p.ClearInterval(id)
				}
			}, 50*time.Millisecond)
		}, listener.Options{})
	})
	c := h.capture("go", false)

	joins := opsOf(c.Trace, trace.OpJoin)
	if len(joins) != 3 {
		t.Fatalf("joins = %+v", joins)
	}
	for _, j := range joins {
		if j.Kind != string(trace.JoinInterval) {
			t.Errorf("join kind = %s", j.Kind)
		}
	}
	if len(opsOf(c.Trace, trace.OpCancel)) != 1 {
		t.Error("clearing the interval should cancel its pending firing")
	}
}

func TestEventMonitor_PromiseReaction(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		btn := h.element("button", "go", trace.Rect{Y: 40, Width: 10, Height: 10})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			p.Resolved("x").Then(func(p *page.Page, v any) { p.SetText(h.result, v.(string)) })
		}, listener.Options{})
	})
	c := h.capture("go", false)

	root := opsOf(c.Trace, trace.OpRoot)[0].U
	forks := opsOf(c.Trace, trace.OpFork)
	joins := opsOf(c.Trace, trace.OpJoin)
	if len(forks) != 1 || forks[0].Kind != string(trace.ForkPromiseResolve) || forks[0].U != root {
		t.Fatalf("forks = %+v", forks)
	}
	if len(joins) != 1 || joins[0].Kind != string(trace.JoinPromiseThenHandler) || joins[0].U != forks[0].V {
		t.Fatalf("joins = %+v", joins)
	}
	if h.result.Text() != "x" {
		t.Errorf("result = %q", h.result.Text())
	}
}

func TestEventMonitor_ResourceLoadUsesLatestRequest(t *testing.T) {
	script := func(h *harness, p *page.Page) {
		p.Network().Handle(page.Route{URL: "/1.png", Latency: 50 * time.Millisecond})
		p.Network().Handle(page.Route{URL: "/2.png", Latency: 100 * time.Millisecond})
		img := h.element("img", "pic", trace.Rect{Y: 40, Width: 20, Height: 20})
		btn := h.element("button", "go", trace.Rect{Y: 70, Width: 10, Height: 10})
		p.AddEventListener(img, "load", func(p *page.Page, _ *page.Event) {
			p.SetText(img, img.Attr("src"))
		}, listener.Options{})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			p.LoadImage(img, "/1.png")
			p.LoadImage(img, "/2.png")
		}, listener.Options{})
	}

	for i := 0; i < 20; i++ {
		h := newHarness(t, page.DefaultConfig(), script)
		c := h.capture("go", false)

		forks := opsOf(c.Trace, trace.OpFork)
		muts := opsOf(c.Trace, trace.OpMutateDOM)
		if len(forks) != 2 || forks[1].Meta.URL != "/2.png" {
			t.Fatalf("forks = %+v", forks)
		}
		if len(muts) != 2 {
			t.Fatalf("mutations = %+v", muts)
		}
		for _, mu := range muts {
			if mu.U != forks[1].V {
				t.Fatalf("run %d: load handled by event %d, want %d (latest request)", i, mu.U, forks[1].V)
			}
		}
	}
}

func TestEventMonitor_WaitsForObservedPromise(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		btn := h.element("button", "go", trace.Rect{Y: 40, Width: 10, Height: 10})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			p.NewPromise(func(resolve, reject func(any)) {}).
				Then(func(p *page.Page, v any) { p.SetText(h.result, "never") })
		}, listener.Options{})
	}, monitor.WithWaitForPromises(false))

	_, err := h.em.CreateTrace(context.Background(), h.p, h.listener("go"), false)
	if !errors.IsCode(err, errors.CodeEpisodeAborted) {
		t.Fatalf("capture with a pending observed promise = %v, want it to stall", err)
	}
}

func TestEventMonitor_FaultAbortsCapture(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), func(h *harness, p *page.Page) {
		btn := h.element("button", "bad", trace.Rect{Width: 10, Height: 10})
		p.AddEventListener(btn, "click", func(p *page.Page, _ *page.Event) {
			// Entering a script inside a listener breaks the nesting rules.
			p.Hooks().EnterScript(&monitor.Script{Name: "nested"})
		}, listener.Options{})
	})

	_, err := h.em.CreateTrace(context.Background(), h.p, h.listener("bad"), false)
	if !errors.IsCode(err, errors.CodeEpisodeAborted) {
		t.Fatalf("err = %v, want episode aborted", err)
	}
	if h.em.Current() != trace.None {
		t.Error("current event not reset after fault")
	}

	// The monitor recovers for the next capture.
	if _, err := h.em.CreateTrace(context.Background(), h.p, h.listener("bad"), false); err == nil {
		t.Error("the same faulty listener should fail again")
	}
}

func TestEventMonitor_ContextCanceled(t *testing.T) {
	h := newHarness(t, page.DefaultConfig(), ajaxScript)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.em.CreateTrace(ctx, h.p, h.listener("a"), false); err == nil {
		t.Fatal("expected error for canceled context")
	}
	// A new capture can start afterwards.
	h.capture("b", false)
}

func TestLoadMonitor_WaitsForWork(t *testing.T) {
	d := monitor.NewDispatcher(nil)
	p, err := page.New(d)
	if err != nil {
		t.Fatal(err)
	}
	lm := monitor.NewLoadMonitor(p, p.Now, monitor.WithStatusInterval(0))
	d.Add(lm)
	p.OnWindowLoad(lm.WindowLoaded)

	p.Network().Handle(page.Route{URL: "/data", Latency: 250 * time.Millisecond})
	p.Network().Handle(page.Route{URL: "/img.png", Latency: 400 * time.Millisecond})

	var elapsed time.Duration
	loaded := false
	lm.Then(func(d time.Duration) { elapsed, loaded = d, true })

	p.Load(func(p *page.Page) {
		x := p.NewXHR()
		x.Open("GET", "/data", true)
		x.Send()
		img := p.Document().CreateElement("img")
		p.AppendChild(p.Document().Body(), img)
		p.LoadImage(img, "/img.png")
		p.SetTimeout(func(*page.Page) {}, 100*time.Millisecond)
		p.SetInterval(func(*page.Page) {}, time.Second)
	})

	if err := p.RunUntil(context.Background(), lm.Loaded); err != nil {
		t.Fatalf("RunUntil: %v (pending %s)", err, lm.Pending())
	}
	if !loaded {
		t.Fatal("Then callback not run")
	}
	if elapsed != time.Second {
		t.Errorf("elapsed = %v, want 1s (first interval firing)", elapsed)
	}
}

func TestLoadMonitor_IgnoresUnhandledPromise(t *testing.T) {
	d := monitor.NewDispatcher(nil)
	p, err := page.New(d)
	if err != nil {
		t.Fatal(err)
	}
	lm := monitor.NewLoadMonitor(p, p.Now, monitor.WithStatusInterval(0))
	d.Add(lm)
	p.OnWindowLoad(lm.WindowLoaded)
	lm.Then(func(time.Duration) {})

	p.Load(func(p *page.Page) {
		p.NewPromise(func(resolve, reject func(any)) {})
	})
	if err := p.RunUntil(context.Background(), lm.Loaded); err != nil {
		t.Fatalf("a never-settled promise without handlers blocked load: %v", err)
	}
}

func TestRegistrationMonitor_CollectsUserEvents(t *testing.T) {
	d := monitor.NewDispatcher(nil)
	rm := monitor.NewRegistrationMonitor()
	d.Add(rm)

	doc := dom.NewDocument()
	div := doc.CreateElement("div")
	input := doc.CreateElement("input")
	for _, reg := range []*monitor.Registration{
		{Target: div, Type: "click"},
		{Target: div, Type: "change"},
		{Target: input, Type: "change"},
		{Target: div, Type: "scroll"},
		{Promise: &monitor.Promise{ID: 1}, Type: "then"},
	} {
		d.RegisterEventListener(reg)
	}

	got := rm.Listeners()
	if len(got) != 2 {
		t.Fatalf("collected %d listeners, want 2", len(got))
	}
	if got[0].Type() != "click" || got[1].Target() != input {
		t.Errorf("listeners = %v, %v", got[0], got[1])
	}
}
