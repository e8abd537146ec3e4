package monitor

import (
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/counter"
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// EventMonitorID is the dispatcher id of the EventMonitor.
const EventMonitorID = "event-monitor"

// claim is one pending entry on an episode's counter.
type claim struct {
	counter *counter.Counter
	cat     counter.Category
	key     int64
	url     string
}

type requestState struct {
	predecessor  trace.EventID
	first        trace.EventID
	firstPending bool
	claim        *claim
	enteredAsync bool
	errorAsync   bool
}

type timerState struct {
	next        trace.EventID
	predecessor trace.EventID
	claim       *claim
}

type promiseState int

const (
	pending promiseState = iota
	fulfilled
	rejected
)

type promiseShadow struct {
	state       promiseState
	settledBy   trace.EventID
	thenEvents  []trace.EventID
	catchEvents []trace.EventID
	claim       *claim
}

type registrationState struct {
	predecessor trace.EventID
	next        trace.EventID
	previous    trace.EventID // last then/catch handler registered before this one
}

type resourceState struct {
	id    trace.EventID
	claim *claim
}

// deferredEvent is a response or script postponed during an adverse
// capture.
type deferredEvent struct {
	request  *Request
	event    ResponseEvent
	resource *Resource
	run      func()
	noop     bool
}

func (d *deferredEvent) countsAsPostponed() bool {
	return d.resource != nil || d.event.IsLoad()
}

// EventMonitor tracks the single current event and turns hook calls into
// trace operations and counter updates while a capture episode is active.
type EventMonitor struct {
	Base

	logger         *slog.Logger
	statusInterval time.Duration

	ids     trace.IDSource
	current trace.EventID

	ep       *episode
	blocking bool
	blocked  []*deferredEvent

	requests      map[*Request]*requestState
	timers        map[*Timer]*timerState
	promises      map[*Promise]*promiseShadow
	registrations map[*Registration]*registrationState
	invocations   map[*Invocation]bool
	resources     map[*Resource]*resourceState
	elements      map[*dom.Element]*resourceState // latest request per element
}

// NewEventMonitor creates an idle monitor.
func NewEventMonitor(opts ...Option) *EventMonitor {
	o := buildOptions(opts)
	return &EventMonitor{
		logger:         o.logger.With("component", EventMonitorID),
		statusInterval: o.statusInterval,
		requests:       make(map[*Request]*requestState),
		timers:         make(map[*Timer]*timerState),
		promises:       make(map[*Promise]*promiseShadow),
		registrations:  make(map[*Registration]*registrationState),
		invocations:    make(map[*Invocation]bool),
		resources:      make(map[*Resource]*resourceState),
		elements:       make(map[*dom.Element]*resourceState),
	}
}

func (m *EventMonitor) ID() string { return EventMonitorID }

// Current returns the open event, or trace.None.
func (m *EventMonitor) Current() trace.EventID { return m.current }

func (m *EventMonitor) enter(hook string) {
	errors.Assert(m.current == trace.None, errors.CodeBadNesting,
		"%s while event %d is current", hook, m.current)
}

func (m *EventMonitor) requireCurrent(hook string) {
	errors.Assert(m.current != trace.None, errors.CodeBadNesting, "%s without a current event", hook)
}

func (m *EventMonitor) recording() bool { return m.ep != nil }

func (m *EventMonitor) count(cat counter.Category, key int64, url string) *claim {
	if m.ep == nil {
		return nil
	}
	c := &claim{counter: m.ep.counter, cat: cat, key: key, url: url}
	opts := []counter.ChangeOption{counter.WithID(c.key)}
	if url != "" {
		opts = append(opts, counter.WithResource(url))
	}
	c.counter.Change(cat, 1, opts...)
	return c
}

// release drops a pending entry, provided the episode that counted it is
// still the active one.
func (m *EventMonitor) release(c **claim) {
	cl := *c
	*c = nil
	if cl == nil || m.ep == nil || cl.counter != m.ep.counter {
		return
	}
	opts := []counter.ChangeOption{counter.WithID(cl.key)}
	if cl.url != "" {
		opts = append(opts, counter.WithResource(cl.url))
	}
	cl.counter.Change(cl.cat, -1, opts...)
}

// Scripts

func (m *EventMonitor) OnEnterScript(s *Script) {
	m.enter("enter script")
	if s.Resource != nil {
		if st, ok := m.resources[s.Resource]; ok {
			m.current = st.id
			return
		}
	}
	m.current = m.ids.Next()
}

func (m *EventMonitor) OnExitScript(s *Script) {
	m.requireCurrent("exit script")
	if s.Resource != nil {
		delete(m.resources, s.Resource)
	}
	m.current = trace.None
}

// AJAX

func (m *EventMonitor) request(r *Request) *requestState {
	st, ok := m.requests[r]
	if !ok {
		st = &requestState{}
		m.requests[r] = st
	}
	return st
}

func (m *EventMonitor) OnAJAXRequest(r *Request) {
	m.requireCurrent("ajax request")
	st := m.request(r)
	st.predecessor = m.current
	if !r.Async || r.Cached {
		return
	}
	st.first = m.ids.Next()
	st.firstPending = true
	if m.recording() {
		m.ep.trace.Fork(m.current, st.first, trace.ForkAJAXRequest, trace.ForkMetadata{URL: r.URL, Method: r.Method})
		st.claim = m.count(counter.AJAX, int64(st.first), "")
	}
}

func (m *EventMonitor) OnAJAXAbort(r *Request) {
	st, ok := m.requests[r]
	if !ok {
		return
	}
	if r.Active {
		m.release(&st.claim)
	}
	for _, d := range m.blocked {
		if d.request == r {
			d.noop = true
		}
	}
}

func (m *EventMonitor) ShouldBlockAJAXResponse(r *Request, ev ResponseEvent, deliver func()) bool {
	if !m.blocking {
		return false
	}
	m.blocked = append(m.blocked, &deferredEvent{request: r, event: ev, run: deliver})
	if ev.IsLoad() {
		m.release(&m.request(r).claim)
	}
	m.logger.Debug("postponed ajax response", "url", r.URL, "event", ev.Type, "readyState", ev.ReadyState)
	return true
}

func (m *EventMonitor) OnEnterAJAXResponse(r *Request, ev ResponseEvent) {
	st := m.request(r)
	st.enteredAsync = m.current == trace.None
	if !st.enteredAsync {
		return
	}
	if ev.Type == "readystatechange" && st.firstPending {
		m.current = st.first
		st.firstPending = false
	} else {
		m.current = m.ids.Next()
	}
	if m.recording() {
		m.ep.trace.Join(m.current, st.predecessor, ev.JoinKind())
	}
}

func (m *EventMonitor) OnExitAJAXResponse(r *Request, ev ResponseEvent) {
	m.requireCurrent("exit ajax response")
	st := m.request(r)
	if !st.enteredAsync {
		return
	}
	st.predecessor = m.current
	if ev.IsLoad() {
		m.release(&st.claim)
	}
	m.current = trace.None
}

func (m *EventMonitor) OnEnterAJAXError(r *Request) {
	st := m.request(r)
	st.errorAsync = m.current == trace.None
	if !st.errorAsync {
		return
	}
	m.current = m.ids.Next()
	if m.recording() {
		m.ep.trace.Join(m.current, st.predecessor, trace.JoinAJAXError)
	}
}

func (m *EventMonitor) OnExitAJAXError(r *Request) {
	m.requireCurrent("exit ajax error")
	st := m.request(r)
	if !st.errorAsync {
		return
	}
	st.predecessor = m.current
	m.release(&st.claim)
	m.current = trace.None
}

// Timers

func (m *EventMonitor) OnTimerCreation(t *Timer) {
	m.requireCurrent("timer creation")
	st := &timerState{next: m.ids.Next(), predecessor: m.current}
	m.timers[t] = st
	if !m.recording() {
		return
	}
	var meta trace.ForkMetadata
	if t.Kind == Timeout || t.Kind == Interval {
		meta = trace.Delay(t.Delay)
	}
	m.ep.trace.Fork(m.current, st.next, t.Kind.ForkKind(), meta)
	st.claim = m.count(counter.Timer, int64(st.next), "")
}

func (m *EventMonitor) OnTimerDeletion(t *Timer) {
	m.requireCurrent("timer deletion")
	st, ok := m.timers[t]
	if !ok {
		return
	}
	if m.recording() {
		m.ep.trace.Cancel(m.current, st.next)
	}
	m.release(&st.claim)
	delete(m.timers, t)
}

func (m *EventMonitor) OnEnterTimerCallback(t *Timer) {
	m.enter("enter timer callback")
	st, ok := m.timers[t]
	errors.Assert(ok, errors.CodeBadNesting, "timer %d fired without being created", t.ID)

	m.current = st.next
	if t.Kind != Interval {
		return
	}

	// The firing supersedes the pending entry; the next firing is awaited.
	superseded := st.claim
	st.next = m.ids.Next()
	st.claim = nil
	if m.recording() {
		st.claim = m.count(counter.Timer, int64(st.next), "")
		m.ep.trace.Join(m.current, st.predecessor, trace.JoinInterval)
	}
	m.release(&superseded)
}

func (m *EventMonitor) OnExitTimerCallback(t *Timer) {
	m.requireCurrent("exit timer callback")
	if st, ok := m.timers[t]; ok {
		if t.Kind == Interval {
			st.predecessor = m.current
		} else {
			m.release(&st.claim)
			delete(m.timers, t)
		}
	}
	m.current = trace.None
}

// Promises

func (m *EventMonitor) OnPromiseCreation(p *Promise) {
	sh := &promiseShadow{}
	m.promises[p] = sh
	// An observed promise must settle before a capture ends.
	if p.Observed {
		sh.claim = m.count(counter.Promise, int64(p.ID), "")
	}
}

func (m *EventMonitor) shadow(p *Promise) *promiseShadow {
	sh, ok := m.promises[p]
	if !ok {
		sh = &promiseShadow{}
		m.promises[p] = sh
	}
	return sh
}

func (m *EventMonitor) OnPromiseResolution(p *Promise) {
	sh := m.shadow(p)
	if sh.state != pending {
		return
	}
	sh.state = fulfilled
	sh.settledBy = m.current
	if m.recording() && len(sh.thenEvents) > 0 && m.current != trace.None {
		m.ep.trace.Fork(m.current, sh.thenEvents[0], trace.ForkPromiseResolve, trace.ForkMetadata{})
	}
	m.release(&sh.claim)
}

func (m *EventMonitor) OnPromiseRejection(p *Promise) {
	sh := m.shadow(p)
	errors.Assert(sh.state == pending, errors.CodeBadNesting, "promise %d rejected after settling", p.ID)
	sh.state = rejected
	sh.settledBy = m.current
	if m.recording() && len(sh.catchEvents) > 0 && m.current != trace.None {
		m.ep.trace.Fork(m.current, sh.catchEvents[0], trace.ForkPromiseReject, trace.ForkMetadata{})
	}
	m.release(&sh.claim)
}

// Resources

func (m *EventMonitor) OnResourceRequest(r *Resource) {
	st := &resourceState{id: m.ids.Next()}
	m.resources[r] = st
	if r.Element != nil {
		m.elements[r.Element] = st
	}
	if !m.recording() {
		return
	}
	m.requireCurrent("resource request")
	m.ep.trace.Fork(m.current, st.id, r.ForkKind(), trace.ForkMetadata{URL: r.URL})
	switch r.Kind {
	case Image:
		st.claim = m.count(counter.ResourceImg, int64(st.id), r.URL)
	case ScriptFile:
		st.claim = m.count(counter.ResourceScript, int64(st.id), r.URL)
	}
}

func (m *EventMonitor) OnResourceResponse(r *Resource) {
	st, ok := m.resources[r]
	if !ok {
		return
	}
	m.release(&st.claim)
	// A script keeps its state until it has run.
	if r.Kind != ScriptFile {
		delete(m.resources, r)
	}
}

func (m *EventMonitor) ShouldBlockScript(r *Resource, run func()) bool {
	if !m.blocking || !r.Async {
		return false
	}
	m.blocked = append(m.blocked, &deferredEvent{resource: r, run: run})
	if st, ok := m.resources[r]; ok {
		m.release(&st.claim)
	}
	m.logger.Debug("postponed script", "url", r.URL)
	return true
}

// Listeners

func (m *EventMonitor) OnRegisterEventListener(reg *Registration) {
	m.requireCurrent("register event listener")
	st := &registrationState{predecessor: m.current}
	m.registrations[reg] = st
	if !reg.IsPromise() {
		return
	}

	sh := m.shadow(reg.Promise)
	st.next = m.ids.Next()
	switch reg.Type {
	case "then":
		if n := len(sh.thenEvents); n > 0 {
			st.previous = sh.thenEvents[n-1]
		}
		sh.thenEvents = append(sh.thenEvents, st.next)
		if sh.state == fulfilled && m.recording() && sh.settledBy != trace.None {
			m.ep.trace.Fork(sh.settledBy, st.next, trace.ForkPromiseResolve, trace.ForkMetadata{})
		}
	case "catch":
		if n := len(sh.catchEvents); n > 0 {
			st.previous = sh.catchEvents[n-1]
		}
		sh.catchEvents = append(sh.catchEvents, st.next)
		if sh.state == rejected && m.recording() && sh.settledBy != trace.None {
			m.ep.trace.Fork(sh.settledBy, st.next, trace.ForkPromiseReject, trace.ForkMetadata{})
		}
	default:
		errors.Violation(errors.CodeUnknownKind, "unknown promise reaction %q", reg.Type)
	}
}

func isResourceResponseHandler(receiver *dom.Element, typ string) bool {
	if receiver == nil || (typ != "load" && typ != "error") {
		return false
	}
	return receiver.Tag == "img" || receiver.Tag == "script"
}

func (m *EventMonitor) OnEnterEventListener(inv *Invocation) {
	async := m.current == trace.None
	m.invocations[inv] = async
	if !async {
		return
	}

	st, ok := m.registrations[inv.Registration]
	if !ok {
		st = &registrationState{}
	}

	switch {
	case inv.Registration.IsPromise():
		m.current = st.next
		if m.current == trace.None {
			m.current = m.ids.Next()
		}
	case isResourceResponseHandler(inv.Receiver, inv.Type):
		m.current = m.resourceEventFor(inv.Receiver)
	default:
		m.current = m.ids.Next()
	}

	if !m.recording() || !inv.Registration.IsPromise() || st.predecessor == trace.None {
		return
	}
	kind := trace.JoinPromiseThenHandler
	if inv.Registration.Type == "catch" {
		kind = trace.JoinPromiseCatchHandler
	}
	m.ep.trace.Join(m.current, st.predecessor, kind)
	if st.previous != trace.None {
		m.ep.trace.Join(m.current, st.previous, kind)
	}
}

func (m *EventMonitor) resourceEventFor(el *dom.Element) trace.EventID {
	if st, ok := m.elements[el]; ok {
		return st.id
	}
	m.logger.Warn("resource response without request", "element", dom.UniqueCSSPath(el))
	return m.ids.Next()
}

func (m *EventMonitor) OnExitEventListener(inv *Invocation) {
	m.requireCurrent("exit event listener")
	async := m.invocations[inv]
	delete(m.invocations, inv)
	if async {
		m.current = trace.None
	}
}

// DOM

func (m *EventMonitor) OnDOMMutation(mu *Mutation) {
	if m.current == trace.None || !m.recording() {
		return
	}
	if mu.Container == nil || !mu.Container.Attached() {
		return
	}
	if mu.Inserted != nil && !mu.Inserted.Visible() {
		return
	}
	m.ep.trace.MutateDOM(m.current, dom.UniqueCSSPath(mu.Container), mu.Area.Rounded())
}
