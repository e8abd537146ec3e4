package modes

import (
	"context"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
	"github.com/ajaxrace/ajaxrace/pkg/session"
)

// FindUserEventListener resolves id against the listeners registered in s.
// The candidate element is the unique match of the selector, else the
// element carrying the static id. A listener registered on the candidate,
// or on an element with the same CSS path as the selector, wins; otherwise
// the nearest ancestor with a matching listener is used and the result is
// dispatched at the candidate. It returns nil if nothing matches.
func FindUserEventListener(s *session.Session, id listener.Identity) *listener.UserEventListener {
	doc := s.Page.Document()

	var candidate *dom.Element
	if els := doc.QuerySelectorAll(id.Selector); len(els) == 1 {
		candidate = els[0]
	}
	if candidate == nil && id.StaticID != "" {
		candidate = doc.ElementByStaticID(id.StaticID)
	}
	if candidate == nil {
		return nil
	}

	registered := s.Registrations.Listeners()
	decorate := func(l *listener.UserEventListener) *listener.UserEventListener {
		return l.ForSelector(id.Selector).
			WithDescription(id.Description).
			WithEvent(id.Event).
			WithPrerequisites(id.Prerequisites)
	}

	for _, l := range registered {
		if l.Type() != id.Type {
			continue
		}
		if l.Target() == candidate || dom.UniqueCSSPath(l.Target()) == id.Selector {
			return decorate(l)
		}
	}

	for el := candidate.Parent(); el != nil; el = el.Parent() {
		for _, l := range registered {
			if l.Type() == id.Type && l.Target() == el {
				return decorate(l.ForTarget(candidate))
			}
		}
	}
	return nil
}

// runPrerequisites performs the prerequisites of a handler. State changes
// are applied directly; an event prerequisite is resolved like a handler
// and captured without blocking.
func runPrerequisites(ctx context.Context, s *session.Session, pres []listener.Prerequisite) error {
	for _, pre := range pres {
		if !isEventPrerequisite(pre.Type) {
			s.Page.Perform(pre)
			continue
		}
		if !guardHolds(s, pre) {
			continue
		}
		l := FindUserEventListener(s, listener.Identity{Selector: pre.Selector, Type: pre.Type})
		if l == nil {
			s.Page.Perform(pre)
			continue
		}
		if _, err := s.Events.CreateTrace(ctx, s.Page, l, false); err != nil {
			return err
		}
	}
	return nil
}

func isEventPrerequisite(typ string) bool {
	switch typ {
	case "scroll", "set-index", "set-text", "toggle", "remove":
		return false
	}
	return true
}

func guardHolds(s *session.Session, pre listener.Prerequisite) bool {
	if pre.If == "" {
		return true
	}
	el := s.Page.Document().QuerySelector(pre.If)
	return el != nil && el.Visible()
}

// capture records l, which has no prerequisites of its own.
func capture(ctx context.Context, s *session.Session, l *listener.UserEventListener, block bool) (*monitor.Capture, error) {
	return s.Events.CreateTrace(ctx, s.Page, l, block)
}

// replayHandler runs the prerequisites of id, resolves id in s and records
// it. It reports false if id could not be resolved.
func replayHandler(ctx context.Context, s *session.Session, id listener.Identity, block bool) (*monitor.Capture, bool, error) {
	if err := runPrerequisites(ctx, s, id.Prerequisites); err != nil {
		return nil, true, err
	}
	l := FindUserEventListener(s, id)
	if l == nil {
		return nil, false, nil
	}
	c, err := s.Events.CreateTrace(ctx, s.Page, l.WithPrerequisites(nil), block)
	if err != nil {
		return nil, true, err
	}
	c.Identity = id
	return c, true, nil
}
