// Package monitor receives the hook calls of the instrumented page runtime.
//
// The runtime notifies every registered Monitor through a Dispatcher.
// EventMonitor translates hooks into trace operations and counter updates,
// LoadMonitor waits for the page to finish loading, and
// RegistrationMonitor collects user event listeners.
package monitor

import (
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Script is a script execution. Resource is set for dynamically loaded
// scripts.
type Script struct {
	Name     string
	Resource *Resource
}

// XMLHttpRequest ready states.
const (
	Unsent          = 0
	Opened          = 1
	HeadersReceived = 2
	Loading         = 3
	Done            = 4
)

// Request is the instrumented view of an XMLHttpRequest.
type Request struct {
	Method string
	URL    string
	Async  bool
	Cached bool

	// Active is true from send until the response is complete or aborted.
	Active bool
}

// ResponseEvent is one event of a request's response.
type ResponseEvent struct {
	Type       string // readystatechange, progress or load
	ReadyState int
}

// IsLoad reports whether ev is the final load event.
func (ev ResponseEvent) IsLoad() bool { return ev.Type == "load" }

// JoinKind returns the join kind recorded when ev starts.
func (ev ResponseEvent) JoinKind() trace.JoinKind {
	switch ev.Type {
	case "load":
		return trace.JoinAJAXLoaded
	case "progress":
		return trace.JoinAJAXProgress
	}
	switch ev.ReadyState {
	case HeadersReceived:
		return trace.JoinAJAXHeadersReceived
	case Loading:
		return trace.JoinAJAXLoading
	case Done:
		return trace.JoinAJAXDone
	}
	return trace.JoinAJAXProgress
}

// TimerKind is the scheduling API that created a timer.
type TimerKind string

const (
	Timeout        TimerKind = "timeout"
	Interval       TimerKind = "interval"
	AnimationFrame TimerKind = "animation-frame"
	IdleCallback   TimerKind = "idle-callback"
	Immediate      TimerKind = "immediate"
)

// ForkKind maps k to the fork kind recorded at creation.
func (k TimerKind) ForkKind() trace.ForkKind {
	switch k {
	case Interval:
		return trace.ForkInterval
	case AnimationFrame:
		return trace.ForkAnimationFrame
	case IdleCallback:
		return trace.ForkIdleCallback
	case Immediate:
		return trace.ForkImmediateTimer
	}
	return trace.ForkTimer
}

// Timer is a scheduled callback.
type Timer struct {
	ID       int
	Kind     TimerKind
	Delay    int64 // milliseconds
	Callback string
}

// Promise is a deferred value. Observed is false when nothing can react to
// its settlement.
type Promise struct {
	ID       int
	Observed bool
}

// ResourceKind classifies a loaded resource.
type ResourceKind string

const (
	Image      ResourceKind = "img"
	ScriptFile ResourceKind = "script"
	OtherAsset ResourceKind = "other"
)

// Resource is an image, script or other asset requested by an element.
type Resource struct {
	URL     string
	Kind    ResourceKind
	Element *dom.Element
	Async   bool
}

// ForkKind returns the fork kind recorded for the request.
func (r *Resource) ForkKind() trace.ForkKind {
	switch r.Kind {
	case Image:
		return trace.ForkLoadImg
	case ScriptFile:
		return trace.ForkLoadScript
	}
	return trace.ForkLoadResource
}

// Registration is an added event listener. Promise is set for then and
// catch handlers, Target for DOM listeners.
type Registration struct {
	Target  *dom.Element
	Promise *Promise
	Type    string
	Handler any
	Options listener.Options
}

// IsPromise reports whether the registration is a then/catch handler.
func (r *Registration) IsPromise() bool { return r.Promise != nil }

// Invocation is one call of a registered listener.
type Invocation struct {
	Registration *Registration
	Receiver     *dom.Element
	Type         string
}

// Mutation is a layout change. Inserted is set for insertions.
type Mutation struct {
	Container *dom.Element
	Inserted  *dom.Element
	Area      trace.Rect
}

// Monitor is notified of every hook of the instrumented runtime.
type Monitor interface {
	ID() string

	OnEnterScript(s *Script)
	OnExitScript(s *Script)

	OnAJAXRequest(r *Request)
	OnAJAXAbort(r *Request)
	OnEnterAJAXResponse(r *Request, ev ResponseEvent)
	OnExitAJAXResponse(r *Request, ev ResponseEvent)
	OnEnterAJAXError(r *Request)
	OnExitAJAXError(r *Request)

	OnTimerCreation(t *Timer)
	OnTimerDeletion(t *Timer)
	OnEnterTimerCallback(t *Timer)
	OnExitTimerCallback(t *Timer)

	OnPromiseCreation(p *Promise)
	OnPromiseResolution(p *Promise)
	OnPromiseRejection(p *Promise)

	OnResourceRequest(r *Resource)
	OnResourceResponse(r *Resource)

	OnRegisterEventListener(reg *Registration)
	OnEnterEventListener(inv *Invocation)
	OnExitEventListener(inv *Invocation)

	OnDOMMutation(m *Mutation)

	// ShouldBlockAJAXResponse may take ownership of delivering ev by
	// keeping deliver and returning true.
	ShouldBlockAJAXResponse(r *Request, ev ResponseEvent, deliver func()) bool
	// ShouldBlockScript may postpone running a loaded async script.
	ShouldBlockScript(r *Resource, run func()) bool
}

// Faulter is implemented by monitors that want to know when one of their
// hooks panicked.
type Faulter interface {
	Fault(err error)
}

type options struct {
	logger          *slog.Logger
	statusInterval  time.Duration
	waitForPromises bool
}

// Option configures the monitors of this package.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStatusInterval sets how often counters log pending work. Zero
// disables the status log.
func WithStatusInterval(d time.Duration) Option {
	return func(o *options) { o.statusInterval = d }
}

// WithWaitForPromises controls whether the LoadMonitor counts pending
// observed promises as outstanding load work. Captures always wait for them.
func WithWaitForPromises(wait bool) Option {
	return func(o *options) { o.waitForPromises = wait }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:          slog.Default(),
		statusInterval:  5 * time.Second,
		waitForPromises: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Base implements Monitor with no-ops. Embed it and override what you need.
type Base struct{}

func (Base) OnEnterScript(*Script) {}
func (Base) OnExitScript(*Script) {}
func (Base) OnAJAXRequest(*Request) {}
func (Base) OnAJAXAbort(*Request) {}
func (Base) OnEnterAJAXResponse(*Request, ResponseEvent) {}
func (Base) OnExitAJAXResponse(*Request, ResponseEvent) {}
func (Base) OnEnterAJAXError(*Request) {}
func (Base) OnExitAJAXError(*Request) {}
func (Base) OnTimerCreation(*Timer) {}
func (Base) OnTimerDeletion(*Timer) {}
func (Base) OnEnterTimerCallback(*Timer) {}
func (Base) OnExitTimerCallback(*Timer) {}
func (Base) OnPromiseCreation(*Promise) {}
func (Base) OnPromiseResolution(*Promise) {}
func (Base) OnPromiseRejection(*Promise) {}
func (Base) OnResourceRequest(*Resource) {}
func (Base) OnResourceResponse(*Resource) {}
func (Base) OnRegisterEventListener(*Registration) {}
func (Base) OnEnterEventListener(*Invocation) {}
func (Base) OnExitEventListener(*Invocation) {}
func (Base) OnDOMMutation(*Mutation) {}
func (Base) ShouldBlockAJAXResponse(*Request, ResponseEvent, func()) bool { return false }
func (Base) ShouldBlockScript(*Resource, func()) bool                     { return false }
