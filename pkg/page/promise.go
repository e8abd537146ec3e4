package page

import (
	"fmt"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

type promiseState int

const (
	pending promiseState = iota
	fulfilled
	rejected
)

// Reaction is a then or catch handler. It receives the settled value.
type Reaction func(p *Page, value any)

type reaction struct {
	reg  *monitor.Registration // nil for pass-through
	fn   Reaction
	next *Promise
	on   promiseState
}

// Promise is a simulated promise with then/catch chaining. Reactions run
// as microtasks.
type Promise struct {
	page      *Page
	shadow    *monitor.Promise
	state     promiseState
	value     any
	reactions []*reaction
}

func (p *Page) newPromise(observed bool) *Promise {
	p.nextPromiseID++
	pr := &Promise{page: p, shadow: &monitor.Promise{ID: p.nextPromiseID, Observed: observed}}
	p.hooks.PromiseCreation(pr.shadow)
	return pr
}

// NewPromise runs executor synchronously with the promise's resolve and
// reject functions.
func (p *Page) NewPromise(executor func(resolve, reject func(any))) *Promise {
	pr := p.newPromise(true)
	p.run("promise executor", func() { executor(pr.Resolve, pr.Reject) })
	return pr
}

// Resolved returns an already fulfilled promise.
func (p *Page) Resolved(value any) *Promise {
	pr := p.newPromise(false)
	pr.Resolve(value)
	return pr
}

// Rejected returns an already rejected promise.
func (p *Page) Rejected(reason any) *Promise {
	pr := p.newPromise(false)
	pr.Reject(reason)
	return pr
}

// Deferred returns a pending promise settled only by its Resolve and
// Reject methods. Monitors do not wait for it.
func (p *Page) Deferred() *Promise {
	return p.newPromise(false)
}

// Settled reports whether the promise is no longer pending.
func (pr *Promise) Settled() bool { return pr.state != pending }

// Value returns the settled value.
func (pr *Promise) Value() any { return pr.value }

// Resolve fulfills the promise. Settling twice is a no-op.
func (pr *Promise) Resolve(value any) {
	if pr.state != pending {
		return
	}
	pr.state, pr.value = fulfilled, value
	pr.page.hooks.PromiseResolution(pr.shadow)
	pr.flush()
}

// Reject rejects the promise. Settling twice is a no-op.
func (pr *Promise) Reject(reason any) {
	if pr.state != pending {
		return
	}
	pr.state, pr.value = rejected, reason
	pr.page.hooks.PromiseRejection(pr.shadow)
	pr.flush()
}

// Then registers fn for fulfillment and returns the chained promise.
func (pr *Promise) Then(fn Reaction) *Promise { return pr.react("then", fulfilled, fn) }

// Catch registers fn for rejection and returns the chained promise.
func (pr *Promise) Catch(fn Reaction) *Promise { return pr.react("catch", rejected, fn) }

func (pr *Promise) react(typ string, on promiseState, fn Reaction) *Promise {
	p := pr.page
	r := &reaction{
		reg:  &monitor.Registration{Promise: pr.shadow, Type: typ, Handler: fn, Options: listener.Options{Once: true}},
		fn:   fn,
		next: p.newPromise(false),
		on:   on,
	}
	p.hooks.RegisterEventListener(r.reg)
	pr.reactions = append(pr.reactions, r)
	if pr.state != pending {
		pr.flush()
	}
	return r.next
}

// flush queues every registered reaction once the promise has settled.
func (pr *Promise) flush() {
	if pr.state == pending {
		return
	}
	queued := pr.reactions
	pr.reactions = nil
	for _, r := range queued {
		r := r
		pr.page.loop.Microtask(func() { pr.page.runReaction(pr, r) })
	}
}

func (p *Page) runReaction(pr *Promise, r *reaction) {
	if r.on != pr.state {
		// Not handled here: pass the settlement down the chain.
		if pr.state == fulfilled {
			r.next.Resolve(pr.value)
		} else {
			r.next.Reject(pr.value)
		}
		return
	}

	inv := &monitor.Invocation{Registration: r.reg, Type: r.reg.Type}
	p.hooks.EnterEventListener(inv)
	var failure any
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := errors.Recovered(rec)
				if errors.IsViolation(err) {
					panic(rec)
				}
				failure = fmt.Errorf("%s handler: %w", r.reg.Type, err)
			}
		}()
		r.fn(p, pr.value)
	}()
	if failure != nil {
		r.next.Reject(failure)
	} else {
		r.next.Resolve(pr.value)
	}
	p.hooks.ExitEventListener(inv)
}
