package monitor

import (
	"context"
	"fmt"

	"github.com/ajaxrace/ajaxrace/pkg/counter"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Host is the page runtime a capture runs on.
type Host interface {
	counter.Scheduler

	// RunUntil runs tasks until done reports true, the context ends or
	// nothing is left to run.
	RunUntil(ctx context.Context, done func() bool) error

	// DispatchUserEvent runs the listener's prerequisites and dispatches
	// its event synchronously.
	DispatchUserEvent(l *listener.UserEventListener)
}

// Capture is the result of recording one user event.
type Capture struct {
	Identity listener.Identity `json:"identity"`
	Trace    *trace.Trace      `json:"trace"`
}

type episode struct {
	name     string
	trace    *trace.Trace
	counter  *counter.Counter
	finished bool
	err      error
}

func (m *EventMonitor) begin(host Host, name string, block bool) *episode {
	errors.Assert(m.ep == nil, errors.CodeBadNesting, "episode %q started while %q is active", name, m.epName())
	ep := &episode{
		name:  name,
		trace: trace.New(),
		counter: counter.New(host,
			counter.WithLogger(m.logger),
			counter.WithName(name),
			counter.WithStatusInterval(m.statusInterval)),
	}
	ep.counter.Then(func() {
		if m.ep != ep {
			return
		}
		ep.finished = true
		m.blocking = false
	})
	m.ep = ep
	m.blocking = block
	return ep
}

func (m *EventMonitor) epName() string {
	if m.ep == nil {
		return ""
	}
	return m.ep.name
}

// wait runs the host until ep settles and ends the episode.
func (m *EventMonitor) wait(ctx context.Context, host Host, ep *episode) error {
	err := host.RunUntil(ctx, func() bool { return ep.finished || ep.err != nil })
	if m.ep == ep {
		m.ep = nil
		m.blocking = false
	}
	if ep.err != nil {
		return errors.Wrapf(ep.err, errors.CodeEpisodeAborted, "%s aborted", ep.name)
	}
	if err != nil {
		return errors.Wrapf(err, errors.CodeEpisodeAborted, "%s did not settle", ep.name).
			WithContext("pending", ep.counter.Summary())
	}
	return nil
}

// CreateTrace dispatches l on host and records everything it causes until
// the page is quiescent. With block set, AJAX responses and async scripts
// arriving during the capture are postponed for DispatchBlockedEvents.
func (m *EventMonitor) CreateTrace(ctx context.Context, host Host, l *listener.UserEventListener, block bool) (*Capture, error) {
	identity := l.Identity()
	root := m.ids.Next()

	ep := m.begin(host, fmt.Sprintf("capture %s", identity), block)
	ep.trace.Root(root)

	// The sentinel keeps the counter busy until the dispatch task has run.
	sentinel := m.count(counter.ResourceScript, int64(root), "")
	host.Defer(func() {
		if m.ep != ep {
			return
		}
		m.enter("capture")
		m.current = root
		defer func() {
			m.current = trace.None
			m.release(&sentinel)
		}()
		m.logger.Debug("dispatching user event", "listener", identity.String(), "root", root)
		host.DispatchUserEvent(l)
	})

	if err := m.wait(ctx, host, ep); err != nil {
		return nil, err
	}
	m.logger.Debug("captured trace", "listener", identity.String(), "operations", ep.trace.Len())
	return &Capture{Identity: identity, Trace: ep.trace}, nil
}

// Postponed returns the number of AJAX loads and scripts currently held
// back.
func (m *EventMonitor) Postponed() int {
	n := 0
	for _, d := range m.blocked {
		if !d.noop && d.countsAsPostponed() {
			n++
		}
	}
	return n
}

// DispatchBlockedEvents delivers every postponed response and script in
// arrival order and waits for their consequences. It returns how many AJAX
// loads and scripts were delivered.
func (m *EventMonitor) DispatchBlockedEvents(ctx context.Context, host Host) (int, error) {
	blocked := m.blocked
	m.blocked = nil

	ep := m.begin(host, "blocked events", false)
	n := 0
	for _, d := range blocked {
		if d.noop || !d.countsAsPostponed() {
			continue
		}
		n++
		if d.resource != nil {
			if st, ok := m.resources[d.resource]; ok {
				st.claim = m.count(counter.ResourceScript, int64(st.id), d.resource.URL)
			}
			continue
		}
		st := m.request(d.request)
		key := st.first
		if key == trace.None {
			key = m.ids.Next()
		}
		st.claim = m.count(counter.AJAX, int64(key), "")
	}

	sentinel := m.count(counter.ResourceScript, int64(m.ids.Next()), "")
	host.Defer(func() {
		defer m.release(&sentinel)
		for _, d := range blocked {
			if d.noop {
				continue
			}
			m.deliver(d)
		}
	})

	if err := m.wait(ctx, host, ep); err != nil {
		return n, err
	}
	m.logger.Debug("dispatched blocked events", "count", n)
	return n, nil
}

func (m *EventMonitor) deliver(d *deferredEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered(r)
			m.logger.Error("postponed event failed", "err", err)
			m.current = trace.None
		}
	}()
	d.run()
}

// Fault aborts the active episode after one of the monitor's hooks
// panicked.
func (m *EventMonitor) Fault(err error) {
	m.current = trace.None
	if m.ep == nil {
		m.logger.Warn("hook failed outside a capture", "err", err)
		return
	}
	if m.ep.err == nil {
		m.ep.err = err
	}
	m.blocking = false
}
