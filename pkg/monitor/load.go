package monitor

import (
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/counter"
)

// LoadMonitorID is the dispatcher id of the LoadMonitor.
const LoadMonitorID = "load-monitor"

// LoadMonitor waits for a page to finish loading: the window load event,
// every AJAX request, timer, image and script started along the way and,
// optionally, observed promises.
type LoadMonitor struct {
	Base

	sched           counter.Scheduler
	counter         *counter.Counter
	logger          *slog.Logger
	now             func() time.Time
	started         time.Time
	waitForPromises bool

	nextID    int64
	windowID  int64
	requests  map[*Request]int64
	timers    map[*Timer]int64
	promises  map[*Promise]int64
	handled   map[*Promise]bool
	resources map[*Resource]int64
}

// NewLoadMonitor starts waiting for the window load event. now reads the
// page clock.
func NewLoadMonitor(sched counter.Scheduler, now func() time.Time, opts ...Option) *LoadMonitor {
	o := buildOptions(opts)
	m := &LoadMonitor{
		sched:           sched,
		logger:          o.logger.With("component", LoadMonitorID),
		now:             now,
		started:         now(),
		waitForPromises: o.waitForPromises,
		requests:        make(map[*Request]int64),
		timers:          make(map[*Timer]int64),
		promises:        make(map[*Promise]int64),
		handled:         make(map[*Promise]bool),
		resources:       make(map[*Resource]int64),
	}
	m.counter = counter.New(sched,
		counter.WithLogger(o.logger),
		counter.WithName("page load"),
		counter.WithStatusInterval(o.statusInterval))
	m.windowID = m.add(counter.Load)
	return m
}

func (m *LoadMonitor) ID() string { return LoadMonitorID }

func (m *LoadMonitor) add(cat counter.Category, opts ...counter.ChangeOption) int64 {
	m.nextID++
	m.counter.Change(cat, 1, append([]counter.ChangeOption{counter.WithID(m.nextID)}, opts...)...)
	return m.nextID
}

func (m *LoadMonitor) done(cat counter.Category, id int64, opts ...counter.ChangeOption) {
	m.counter.Change(cat, -1, append([]counter.ChangeOption{counter.WithID(id)}, opts...)...)
}

// WindowLoaded is called when the window load event fires.
func (m *LoadMonitor) WindowLoaded() {
	if m.windowID == 0 {
		return
	}
	m.done(counter.Load, m.windowID)
	m.windowID = 0
}

// Then registers cb to run with the load duration once the page is loaded.
func (m *LoadMonitor) Then(cb func(elapsed time.Duration)) {
	m.counter.Then(func() {
		elapsed := m.now().Sub(m.started)
		m.logger.Info("page loaded", "elapsed", elapsed)
		cb(elapsed)
	})
}

// Loaded reports whether the page has finished loading.
func (m *LoadMonitor) Loaded() bool { return m.counter.Done() }

// Pending describes what the page is still waiting for.
func (m *LoadMonitor) Pending() string { return m.counter.Summary() }

func (m *LoadMonitor) OnAJAXRequest(r *Request) {
	if r.Cached {
		return
	}
	m.requests[r] = m.add(counter.AJAX)
}

func (m *LoadMonitor) finishRequest(r *Request) {
	if id, ok := m.requests[r]; ok {
		m.done(counter.AJAX, id)
		delete(m.requests, r)
	}
}

func (m *LoadMonitor) OnAJAXAbort(r *Request) { m.finishRequest(r) }

func (m *LoadMonitor) OnExitAJAXResponse(r *Request, ev ResponseEvent) {
	if ev.IsLoad() {
		m.finishRequest(r)
	}
}

func (m *LoadMonitor) OnExitAJAXError(r *Request) { m.finishRequest(r) }

func (m *LoadMonitor) OnTimerCreation(t *Timer) {
	m.timers[t] = m.add(counter.Timer)
}

func (m *LoadMonitor) finishTimer(t *Timer) {
	if id, ok := m.timers[t]; ok {
		m.done(counter.Timer, id)
		delete(m.timers, t)
	}
}

// An interval only holds the page until it first fires.
func (m *LoadMonitor) OnEnterTimerCallback(t *Timer) { m.finishTimer(t) }

func (m *LoadMonitor) OnTimerDeletion(t *Timer) { m.finishTimer(t) }

func (m *LoadMonitor) OnPromiseCreation(p *Promise) {
	if !m.waitForPromises || !p.Observed {
		return
	}
	m.promises[p] = m.add(counter.Promise)

	// Promises still without handlers at the end of the task are dropped.
	m.sched.Defer(func() {
		if _, ok := m.promises[p]; ok && !m.handled[p] {
			m.logger.Debug("ignoring promise with no handlers", "promise", p.ID)
			m.finishPromise(p)
		}
	})
}

func (m *LoadMonitor) finishPromise(p *Promise) {
	if id, ok := m.promises[p]; ok {
		m.done(counter.Promise, id)
		delete(m.promises, p)
	}
}

func (m *LoadMonitor) OnPromiseResolution(p *Promise) { m.finishPromise(p) }
func (m *LoadMonitor) OnPromiseRejection(p *Promise)  { m.finishPromise(p) }

func (m *LoadMonitor) OnRegisterEventListener(reg *Registration) {
	if reg.IsPromise() {
		m.handled[reg.Promise] = true
	}
}

func resourceCategory(k ResourceKind) (counter.Category, bool) {
	switch k {
	case Image:
		return counter.ResourceImg, true
	case ScriptFile:
		return counter.ResourceScript, true
	}
	return "", false
}

func (m *LoadMonitor) OnResourceRequest(r *Resource) {
	cat, ok := resourceCategory(r.Kind)
	if !ok {
		return
	}
	// Starting a new load on the same element finishes the previous one.
	for prev, id := range m.resources {
		if prev.Element != nil && prev.Element == r.Element {
			m.done(cat, id, counter.WithResource(prev.URL))
			delete(m.resources, prev)
		}
	}
	m.resources[r] = m.add(cat, counter.WithResource(r.URL))
}

func (m *LoadMonitor) OnResourceResponse(r *Resource) {
	id, ok := m.resources[r]
	if !ok {
		return
	}
	cat, _ := resourceCategory(r.Kind)
	m.done(cat, id, counter.WithResource(r.URL))
	delete(m.resources, r)
}
