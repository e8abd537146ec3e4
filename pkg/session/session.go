// Package session loads a site into a fresh instrumented page and hands the
// loaded page to an execution mode.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
	"github.com/ajaxrace/ajaxrace/pkg/page"
)

// Site builds the page under test. Build populates the document and the
// network and returns the main script.
type Site interface {
	Name() string
	Build(p *page.Page) (page.Script, error)
}

// SiteFunc adapts a function to Site.
type SiteFunc struct {
	SiteName string
	Fn       func(p *page.Page) (page.Script, error)
}

func (s SiteFunc) Name() string { return s.SiteName }

func (s SiteFunc) Build(p *page.Page) (page.Script, error) { return s.Fn(p) }

// Options configure a session.
type Options struct {
	Page            page.Config
	StatusInterval  time.Duration
	WaitForPromises bool
	Logger          *slog.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Page:            page.DefaultConfig(),
		StatusInterval:  5 * time.Second,
		WaitForPromises: true,
	}
}

// Session is one loaded page with its monitors.
type Session struct {
	Site          string
	Page          *page.Page
	Dispatcher    *monitor.Dispatcher
	Events        *monitor.EventMonitor
	Registrations *monitor.RegistrationMonitor

	// LoadTime is the virtual time from navigation until the page and
	// everything it started while loading had finished.
	LoadTime time.Duration

	logger *slog.Logger
}

// Open loads site in a new page and waits until the LoadMonitor reports
// the page loaded. The LoadMonitor is removed before Open returns.
func Open(ctx context.Context, site Site, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monOpts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithStatusInterval(opts.StatusInterval),
		monitor.WithWaitForPromises(opts.WaitForPromises),
	}

	d := monitor.NewDispatcher(logger)
	p, err := page.New(d, page.WithConfig(opts.Page), page.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s := &Session{
		Site:          site.Name(),
		Page:          p,
		Dispatcher:    d,
		Events:        monitor.NewEventMonitor(monOpts...),
		Registrations: monitor.NewRegistrationMonitor(),
		logger:        logger.With("component", "session", "site", site.Name()),
	}
	lm := monitor.NewLoadMonitor(p, p.Now, monOpts...)
	d.Add(s.Events)
	d.Add(s.Registrations)
	d.Add(lm)
	p.OnWindowLoad(lm.WindowLoaded)
	lm.Then(func(elapsed time.Duration) { s.LoadTime = elapsed })

	main, err := site.Build(p)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeFixtureInvalid, "build %s", site.Name())
	}
	p.Load(main)

	if err := p.RunUntil(ctx, lm.Loaded); err != nil {
		if ctx.Err() != nil {
			return nil, errors.ContextCanceled("load " + site.Name())
		}
		return nil, errors.Wrapf(err, errors.CodePageStalled, "load %s", site.Name()).
			WithContext("pending", lm.Pending())
	}
	d.Remove(monitor.LoadMonitorID)

	s.logger.Info("page loaded",
		"load_time", s.LoadTime,
		"listeners", len(s.Registrations.Listeners()),
		"script_errors", len(p.ScriptErrors()))
	return s, nil
}

// Listeners returns the registered user event listeners whose target is
// currently visible.
func (s *Session) Listeners() []*listener.UserEventListener {
	var out []*listener.UserEventListener
	for _, l := range s.Registrations.Listeners() {
		if l.Target() != nil && l.Target().Visible() {
			out = append(out, l)
		}
	}
	return out
}

// Settle lets the page run for d of virtual time.
func (s *Session) Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return s.Page.RunFor(ctx, d)
}

// Snapshot serializes the current document.
func (s *Session) Snapshot() string {
	return s.Page.Document().Snapshot()
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }
