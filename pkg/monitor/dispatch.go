package monitor

import (
	"log/slog"
	"sync"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// Dispatcher forwards hook calls to every registered monitor. A panic in
// one monitor is recovered, logged and reported to that monitor only.
type Dispatcher struct {
	mu       sync.RWMutex
	monitors []Monitor
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatcher")}
}

// Add registers m.
func (d *Dispatcher) Add(m Monitor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitors = append(d.monitors, m)
}

// Remove unregisters the monitor with the given id.
func (d *Dispatcher) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.monitors {
		if m.ID() == id {
			d.monitors = append(d.monitors[:i:i], d.monitors[i+1:]...)
			return
		}
	}
}

// Monitors returns the registered monitors.
func (d *Dispatcher) Monitors() []Monitor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Monitor(nil), d.monitors...)
}

func (d *Dispatcher) each(hook string, fn func(Monitor)) {
	for _, m := range d.Monitors() {
		d.call(m, hook, func() { fn(m) })
	}
}

func (d *Dispatcher) call(m Monitor, hook string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := errors.Recovered(r)
		d.logger.Error("monitor hook failed", "monitor", m.ID(), "hook", hook, "err", err)
		if f, ok := m.(Faulter); ok {
			d.call(m, "fault", func() { f.Fault(err) })
		}
	}()
	fn()
}

// anyBlocks reports whether some monitor answered true. Every monitor is asked;
// a panicking monitor counts as false.
func (d *Dispatcher) anyBlocks(hook string, fn func(Monitor) bool) bool {
	result := false
	for _, m := range d.Monitors() {
		d.call(m, hook, func() {
			if fn(m) {
				result = true
			}
		})
	}
	return result
}

func (d *Dispatcher) EnterScript(s *Script) {
	d.each("onEnterScript", func(m Monitor) { m.OnEnterScript(s) })
}

func (d *Dispatcher) ExitScript(s *Script) {
	d.each("onExitScript", func(m Monitor) { m.OnExitScript(s) })
}

func (d *Dispatcher) AJAXRequest(r *Request) {
	d.each("onAjaxRequest", func(m Monitor) { m.OnAJAXRequest(r) })
}

func (d *Dispatcher) AJAXAbort(r *Request) {
	d.each("onAjaxAbort", func(m Monitor) { m.OnAJAXAbort(r) })
}

func (d *Dispatcher) EnterAJAXResponse(r *Request, ev ResponseEvent) {
	d.each("onEnterAjaxResponse", func(m Monitor) { m.OnEnterAJAXResponse(r, ev) })
}

func (d *Dispatcher) ExitAJAXResponse(r *Request, ev ResponseEvent) {
	d.each("onExitAjaxResponse", func(m Monitor) { m.OnExitAJAXResponse(r, ev) })
}

func (d *Dispatcher) EnterAJAXError(r *Request) {
	d.each("onEnterAjaxError", func(m Monitor) { m.OnEnterAJAXError(r) })
}

func (d *Dispatcher) ExitAJAXError(r *Request) {
	d.each("onExitAjaxError", func(m Monitor) { m.OnExitAJAXError(r) })
}

func (d *Dispatcher) TimerCreation(t *Timer) {
	d.each("onTimerCreation", func(m Monitor) { m.OnTimerCreation(t) })
}

func (d *Dispatcher) TimerDeletion(t *Timer) {
	d.each("onTimerDeletion", func(m Monitor) { m.OnTimerDeletion(t) })
}

func (d *Dispatcher) EnterTimerCallback(t *Timer) {
	d.each("onEnterTimerCallback", func(m Monitor) { m.OnEnterTimerCallback(t) })
}

func (d *Dispatcher) ExitTimerCallback(t *Timer) {
	d.each("onExitTimerCallback", func(m Monitor) { m.OnExitTimerCallback(t) })
}

func (d *Dispatcher) PromiseCreation(p *Promise) {
	d.each("onPromiseCreation", func(m Monitor) { m.OnPromiseCreation(p) })
}

func (d *Dispatcher) PromiseResolution(p *Promise) {
	d.each("onPromiseResolution", func(m Monitor) { m.OnPromiseResolution(p) })
}

func (d *Dispatcher) PromiseRejection(p *Promise) {
	d.each("onPromiseRejection", func(m Monitor) { m.OnPromiseRejection(p) })
}

func (d *Dispatcher) ResourceRequest(r *Resource) {
	d.each("onResourceRequest", func(m Monitor) { m.OnResourceRequest(r) })
}

func (d *Dispatcher) ResourceResponse(r *Resource) {
	d.each("onResourceResponse", func(m Monitor) { m.OnResourceResponse(r) })
}

func (d *Dispatcher) RegisterEventListener(reg *Registration) {
	d.each("onRegisterEventListener", func(m Monitor) { m.OnRegisterEventListener(reg) })
}

func (d *Dispatcher) EnterEventListener(inv *Invocation) {
	d.each("onEnterEventListener", func(m Monitor) { m.OnEnterEventListener(inv) })
}

func (d *Dispatcher) ExitEventListener(inv *Invocation) {
	d.each("onExitEventListener", func(m Monitor) { m.OnExitEventListener(inv) })
}

func (d *Dispatcher) DOMMutation(mu *Mutation) {
	d.each("onDOMMutation", func(m Monitor) { m.OnDOMMutation(mu) })
}

// ShouldBlockAJAXResponse reports whether a monitor took over delivery.
func (d *Dispatcher) ShouldBlockAJAXResponse(r *Request, ev ResponseEvent, deliver func()) bool {
	return d.anyBlocks("shouldBlockAjaxResponse", func(m Monitor) bool {
		return m.ShouldBlockAJAXResponse(r, ev, deliver)
	})
}

// ShouldBlockScript reports whether a monitor postponed the script.
func (d *Dispatcher) ShouldBlockScript(r *Resource, run func()) bool {
	return d.anyBlocks("shouldBlockScript", func(m Monitor) bool {
		return m.ShouldBlockScript(r, run)
	})
}
