package page

import (
	"reflect"
	"runtime"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

const (
	animationFrameDelay = 16 * time.Millisecond
	idleCallbackDelay   = 50 * time.Millisecond

	// Nested timeouts are clamped like browsers do.
	nestingClampLevel = 5
	nestingClampDelay = 4 * time.Millisecond
)

type pageTimer struct {
	timer  *monitor.Timer
	fn     Script
	delay  time.Duration
	chain  int
	fired  int
	cancel func()
}

func callbackName(fn Script) string {
	if fn == nil {
		return ""
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// SetTimeout runs fn once after delay and returns its timer id.
func (p *Page) SetTimeout(fn Script, delay time.Duration) int {
	return p.schedule(monitor.Timeout, fn, delay)
}

// SetInterval runs fn every delay until cleared.
func (p *Page) SetInterval(fn Script, delay time.Duration) int {
	return p.schedule(monitor.Interval, fn, delay)
}

// RequestAnimationFrame runs fn before the next frame.
func (p *Page) RequestAnimationFrame(fn Script) int {
	return p.schedule(monitor.AnimationFrame, fn, animationFrameDelay)
}

// RequestIdleCallback runs fn when the page is idle.
func (p *Page) RequestIdleCallback(fn Script) int {
	return p.schedule(monitor.IdleCallback, fn, idleCallbackDelay)
}

// SetImmediate runs fn in a new task as soon as possible.
func (p *Page) SetImmediate(fn Script) int {
	return p.schedule(monitor.Immediate, fn, 0)
}

func (p *Page) ClearTimeout(id int)         { p.clearTimer(id) }
func (p *Page) ClearInterval(id int)        { p.clearTimer(id) }
func (p *Page) CancelAnimationFrame(id int) { p.clearTimer(id) }
func (p *Page) CancelIdleCallback(id int)   { p.clearTimer(id) }
func (p *Page) ClearImmediate(id int)       { p.clearTimer(id) }

// dropped applies the timer policy. A dropped timer gets an id but never
// runs and is not reported.
func (p *Page) dropped(kind monitor.TimerKind, name string, delay time.Duration, chain int) bool {
	if kind == monitor.Timeout || kind == monitor.Interval {
		if p.cfg.MaxTimerDuration > 0 && delay >= p.cfg.MaxTimerDuration {
			p.logger.Warn("ignoring timer registration", "delay", delay)
			return true
		}
		for _, re := range p.skip {
			if re.MatchString(name) {
				p.logger.Warn("skipping timer registration", "callback", name, "pattern", re.String())
				return true
			}
		}
	}
	if p.cfg.MaxTimerChainLength >= 0 && chain >= p.cfg.MaxTimerChainLength {
		p.logger.Warn("ignoring timer registration beyond chain length", "max", p.cfg.MaxTimerChainLength)
		return true
	}
	return false
}

func (p *Page) schedule(kind monitor.TimerKind, fn Script, delay time.Duration) int {
	p.nextTimerID++
	id := p.nextTimerID

	chain := 0
	if p.running != nil {
		chain = p.running.chain
	}
	name := callbackName(fn)
	if p.dropped(kind, name, delay, chain) {
		return id
	}
	if delay < 0 {
		delay = 0
	}
	if chain >= nestingClampLevel && delay < nestingClampDelay {
		delay = nestingClampDelay
	}
	if kind == monitor.Interval && delay < time.Millisecond {
		delay = time.Millisecond
	}

	t := &pageTimer{
		timer: &monitor.Timer{ID: id, Kind: kind, Delay: delay.Milliseconds(), Callback: name},
		fn:    fn,
		delay: delay,
		chain: chain + 1,
	}
	p.timers[id] = t
	p.hooks.TimerCreation(t.timer)
	t.cancel = p.loop.After(delay, func() { p.fire(t) })
	return id
}

func (p *Page) fire(t *pageTimer) {
	p.hooks.EnterTimerCallback(t.timer)
	p.running = t

	if t.timer.Kind == monitor.Interval {
		t.fired++
		t.chain++
		t.cancel = p.loop.After(t.delay, func() { p.fire(t) })
		if p.cfg.MaxTimerChainLength >= 0 && t.fired >= p.cfg.MaxTimerChainLength {
			p.logger.Warn("clearing interval at chain length", "timer", t.timer.ID, "fired", t.fired)
			p.clearTimer(t.timer.ID)
		}
	} else {
		delete(p.timers, t.timer.ID)
	}

	p.run("timer callback", func() { t.fn(p) })
	p.running = nil
	p.hooks.ExitTimerCallback(t.timer)
}

func (p *Page) clearTimer(id int) {
	t, ok := p.timers[id]
	if !ok {
		return
	}
	delete(p.timers, id)
	t.cancel()
	p.hooks.TimerDeletion(t.timer)
}

// PendingTimers returns the number of scheduled timers.
func (p *Page) PendingTimers() int { return len(p.timers) }
