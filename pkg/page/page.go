// Package page simulates an instrumented web page: a DOM, a single-threaded
// event loop on a virtual clock, timers, promises, XHR, dynamically loaded
// resources and DOM mutation APIs. Every observable step is reported to the
// monitors registered on the page's dispatcher.
package page

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

// Config is the runtime policy of a page.
type Config struct {
	// MaxTimerDuration drops timeouts and intervals with at least this
	// delay. Zero disables the limit.
	MaxTimerDuration time.Duration `yaml:"max_timer_duration"`

	// MaxTimerChainLength drops timers created from a chain of this many
	// timer callbacks and clears intervals that fired this often. A
	// negative value disables the limit.
	MaxTimerChainLength int `yaml:"max_timer_chain_length"`

	// SkipTimerCallbacks are patterns matched against the callback name of
	// timeouts and intervals. Matching timers are dropped.
	SkipTimerCallbacks []string `yaml:"skip_timer_callbacks"`

	// Horizon bounds the virtual time of a single wait. Zero is unbounded.
	Horizon time.Duration `yaml:"horizon"`
}

// DefaultConfig returns the default page policy.
func DefaultConfig() Config {
	return Config{
		MaxTimerDuration:    2 * time.Second,
		MaxTimerChainLength: -1,
		Horizon:             10 * time.Minute,
	}
}

// Handler is page code run for an event.
type Handler func(p *Page, ev *Event)

// Script is page code run as a script.
type Script func(p *Page)

// Page is a simulated browser tab.
type Page struct {
	loop   *Loop
	doc    *dom.Document
	hooks  *monitor.Dispatcher
	net    *Network
	cfg    Config
	skip   []*regexp.Regexp
	logger *slog.Logger

	listeners     map[*dom.Element][]*domListener
	window        []*domListener
	loadObservers []func()
	loaded        bool

	nextTimerID   int
	timers        map[int]*pageTimer
	running       *pageTimer
	nextPromiseID int

	scriptErrors []error
}

// Option configures a Page.
type Option func(*Page)

// WithConfig sets the runtime policy.
func WithConfig(cfg Config) Option {
	return func(p *Page) { p.cfg = cfg }
}

// WithNetwork sets the network answering XHR and resource requests.
func WithNetwork(n *Network) Option {
	return func(p *Page) { p.net = n }
}

// WithLogger sets the page logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Page) { p.logger = l }
}

// New creates an empty page reporting to hooks.
func New(hooks *monitor.Dispatcher, opts ...Option) (*Page, error) {
	p := &Page{
		doc:       dom.NewDocument(),
		hooks:     hooks,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		listeners: make(map[*dom.Element][]*domListener),
		timers:    make(map[int]*pageTimer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.hooks == nil {
		p.hooks = monitor.NewDispatcher(p.logger)
	}
	if p.net == nil {
		p.net = NewNetwork()
	}
	for _, pattern := range p.cfg.SkipTimerCallbacks {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeConfigInvalid, "invalid skip_timer_callbacks pattern %q", pattern)
		}
		p.skip = append(p.skip, re)
	}
	p.logger = p.logger.With("component", "page")
	p.loop = NewLoop(p.cfg.Horizon, p.logger)
	return p, nil
}

func (p *Page) Document() *dom.Document    { return p.doc }
func (p *Page) Hooks() *monitor.Dispatcher { return p.hooks }
func (p *Page) Network() *Network          { return p.net }
func (p *Page) Loop() *Loop                { return p.loop }
func (p *Page) Now() time.Time             { return p.loop.Now() }
func (p *Page) Loaded() bool               { return p.loaded }

// ScriptErrors returns the panics raised by page code so far.
func (p *Page) ScriptErrors() []error { return append([]error(nil), p.scriptErrors...) }

// Defer queues fn as a task.
func (p *Page) Defer(fn func()) { p.loop.Defer(fn) }

// Every runs fn periodically without keeping the page alive.
func (p *Page) Every(d time.Duration, fn func()) (stop func()) { return p.loop.Every(d, fn) }

// RunUntil runs the page until done reports true.
func (p *Page) RunUntil(ctx context.Context, done func() bool) error {
	return p.loop.RunUntil(ctx, done)
}

// RunFor runs the page for d of virtual time.
func (p *Page) RunFor(ctx context.Context, d time.Duration) error {
	return p.loop.RunFor(ctx, d)
}

// run executes page code, recording a panic as an uncaught script error.
func (p *Page) run(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered(r)
			if errors.IsViolation(err) {
				panic(r)
			}
			p.logger.Warn("uncaught error in page code", "in", what, "err", err)
			p.scriptErrors = append(p.scriptErrors, fmt.Errorf("%s: %w", what, err))
		}
	}()
	fn()
}

// RunScript executes fn as a script named name.
func (p *Page) RunScript(name string, fn Script) {
	p.runScript(&monitor.Script{Name: name}, fn)
}

func (p *Page) runScript(s *monitor.Script, fn Script) {
	p.hooks.EnterScript(s)
	p.run("script "+s.Name, func() { fn(p) })
	p.hooks.ExitScript(s)
}

// OnWindowLoad registers an internal observer of the window load event.
func (p *Page) OnWindowLoad(fn func()) {
	p.loadObservers = append(p.loadObservers, fn)
}

// Load runs the main script in a task and fires the window load event in
// the task after it.
func (p *Page) Load(main Script) {
	p.loop.Defer(func() { p.RunScript("main", main) })
	p.loop.Defer(p.fireWindowLoad)
}

func (p *Page) fireWindowLoad() {
	p.loaded = true
	ev := &Event{Type: "load"}
	for _, l := range p.window {
		if l.reg.Type == "load" && !l.removed {
			p.invoke(l, nil, ev)
		}
	}
	for _, fn := range p.loadObservers {
		fn()
	}
	p.logger.Debug("window loaded", "at", p.Now().Sub(Epoch))
}
