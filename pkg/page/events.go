package page

import (
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

// Event is a dispatched DOM event.
type Event struct {
	Type          string
	Target        *dom.Element
	CurrentTarget *dom.Element
	Data          map[string]string

	stopped bool
}

// StopPropagation stops the event after the current element.
func (ev *Event) StopPropagation() { ev.stopped = true }

type domListener struct {
	reg     *monitor.Registration
	fn      Handler
	removed bool
}

// AddEventListener registers fn for typ on target. A nil target registers
// on the window.
func (p *Page) AddEventListener(target *dom.Element, typ string, fn Handler, opts listener.Options) {
	l := &domListener{
		reg: &monitor.Registration{Target: target, Type: typ, Handler: fn, Options: opts},
		fn:  fn,
	}
	if target == nil {
		p.window = append(p.window, l)
	} else {
		p.listeners[target] = append(p.listeners[target], l)
	}
	p.hooks.RegisterEventListener(l.reg)
}

// RemoveEventListeners drops every listener for typ on target.
func (p *Page) RemoveEventListeners(target *dom.Element, typ string) {
	kept := p.listeners[target][:0]
	for _, l := range p.listeners[target] {
		if l.reg.Type == typ {
			l.removed = true
			continue
		}
		kept = append(kept, l)
	}
	p.listeners[target] = kept
}

// HasListener reports whether target has a listener for typ.
func (p *Page) HasListener(target *dom.Element, typ string) bool {
	for _, l := range p.listeners[target] {
		if l.reg.Type == typ && !l.removed {
			return true
		}
	}
	return false
}

// ListenersFor returns the registrations on target.
func (p *Page) ListenersFor(target *dom.Element) []*monitor.Registration {
	var regs []*monitor.Registration
	for _, l := range p.listeners[target] {
		if !l.removed {
			regs = append(regs, l.reg)
		}
	}
	return regs
}

func (p *Page) invoke(l *domListener, receiver *dom.Element, ev *Event) {
	inv := &monitor.Invocation{Registration: l.reg, Receiver: receiver, Type: ev.Type}
	ev.CurrentTarget = receiver
	p.hooks.EnterEventListener(inv)
	p.run(ev.Type+" listener", func() { l.fn(p, ev) })
	p.hooks.ExitEventListener(inv)
	if l.reg.Options.Once {
		l.removed = true
	}
}

func bubbles(typ string) bool {
	switch typ {
	case "focus", "blur", "load", "error":
		return false
	}
	return true
}

// Dispatch fires an event of type typ at target synchronously: capture
// listeners from the root down, then every listener on the target, then
// bubbling listeners up to the root.
func (p *Page) Dispatch(target *dom.Element, typ string, data map[string]string) {
	ev := &Event{Type: typ, Target: target, Data: data}

	var path []*dom.Element
	for e := target.Parent(); e != nil; e = e.Parent() {
		path = append(path, e)
	}

	phase := func(el *dom.Element, match func(*domListener) bool) {
		for _, l := range append([]*domListener(nil), p.listeners[el]...) {
			if ev.stopped {
				return
			}
			if !l.removed && l.reg.Type == typ && match(l) {
				p.invoke(l, el, ev)
			}
		}
	}

	for i := len(path) - 1; i >= 0 && !ev.stopped; i-- {
		phase(path[i], func(l *domListener) bool { return l.reg.Options.Capture })
	}
	if !ev.stopped {
		phase(target, func(*domListener) bool { return true })
	}
	if !bubbles(typ) {
		return
	}
	for _, el := range path {
		if ev.stopped {
			return
		}
		phase(el, func(l *domListener) bool { return !l.reg.Options.Capture })
	}
}

// DispatchUserEvent performs l's prerequisites and then dispatches its
// event at its target.
func (p *Page) DispatchUserEvent(l *listener.UserEventListener) {
	for _, pre := range l.Prerequisites() {
		p.Perform(pre)
	}
	target := l.Target()
	if target == nil {
		p.logger.Warn("user event listener without target", "listener", l.String())
		return
	}
	p.Dispatch(target, l.Type(), l.Event())
}

// Perform runs one prerequisite. A prerequisite guarded by If only runs
// when the guard selector matches a visible element.
func (p *Page) Perform(pre listener.Prerequisite) {
	if pre.If != "" {
		guard := p.doc.QuerySelector(pre.If)
		if guard == nil || !guard.Visible() {
			p.logger.Debug("skipping prerequisite", "type", pre.Type, "if", pre.If)
			return
		}
	}
	if pre.Type == "scroll" {
		p.doc.SetScroll(pre.X, pre.Y)
		return
	}

	el := p.doc.QuerySelector(pre.Selector)
	if el == nil {
		p.logger.Warn("prerequisite target not found", "type", pre.Type, "selector", pre.Selector)
		return
	}
	switch pre.Type {
	case "set-index":
		el.SetSelectedIndex(pre.Index)
	case "set-text":
		el.SetValue(pre.Value)
	case "toggle":
		el.SetChecked(!el.Checked())
	case "remove":
		if parent := el.Parent(); parent != nil {
			p.RemoveChild(parent, el)
		}
	default:
		p.Dispatch(el, pre.Type, nil)
	}
}
