// Package listener describes user event listeners and the identity used to
// find them again in a freshly loaded page.
package listener

import (
	"fmt"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
)

// Options are the registration options of a listener.
type Options struct {
	Capture bool `json:"capture,omitempty" yaml:"capture,omitempty"`
	Once    bool `json:"once,omitempty" yaml:"once,omitempty"`
	Passive bool `json:"passive,omitempty" yaml:"passive,omitempty"`
}

// Prerequisite is an action run before a handler is dispatched, or after a
// replayed pair as a postprocessing step. Type is scroll, set-index,
// set-text, toggle, remove, or an event type to dispatch.
type Prerequisite struct {
	Type     string  `json:"type" yaml:"type"`
	Selector string  `json:"selector,omitempty" yaml:"selector,omitempty"`
	If       string  `json:"if,omitempty" yaml:"if,omitempty"`
	Value    string  `json:"value,omitempty" yaml:"value,omitempty"`
	Index    int     `json:"index,omitempty" yaml:"index,omitempty"`
	X        float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y        float64 `json:"y,omitempty" yaml:"y,omitempty"`
}

func (p Prerequisite) fingerprint() string {
	return fmt.Sprintf("%s(%s|%s|%s|%d|%g,%g)", p.Type, p.Selector, p.If, p.Value, p.Index, p.X, p.Y)
}

// Identity is the persisted description of a listener. It survives page
// reloads, unlike element references.
type Identity struct {
	Selector      string            `json:"selector" yaml:"selector"`
	StaticID      string            `json:"staticId,omitempty" yaml:"staticId,omitempty"`
	Type          string            `json:"type" yaml:"type"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Event         map[string]string `json:"event,omitempty" yaml:"event,omitempty"`
	Prerequisites []Prerequisite    `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// Key fingerprints the identity: selector, static id, type, description
// and prerequisites.
func (id Identity) Key() string {
	parts := []string{id.Selector, id.StaticID, id.Type, id.Description}
	for _, p := range id.Prerequisites {
		parts = append(parts, p.fingerprint())
	}
	return strings.Join(parts, "|")
}

func (id Identity) String() string {
	if id.Description != "" {
		return fmt.Sprintf("%s %s (%s)", id.Type, id.Selector, id.Description)
	}
	return fmt.Sprintf("%s %s", id.Type, id.Selector)
}

// UserEventListener is an immutable reference to a registered listener.
type UserEventListener struct {
	description   string
	target        *dom.Element
	typ           string
	handler       any
	options       Options
	event         map[string]string
	prerequisites []Prerequisite
	selector      string
}

// New returns a listener for handler registered on target for typ.
func New(target *dom.Element, typ string, handler any, options Options) *UserEventListener {
	return &UserEventListener{target: target, typ: typ, handler: handler, options: options}
}

func (l *UserEventListener) Description() string  { return l.description }
func (l *UserEventListener) Target() *dom.Element { return l.target }
func (l *UserEventListener) Type() string         { return l.typ }
func (l *UserEventListener) Handler() any         { return l.handler }
func (l *UserEventListener) Options() Options     { return l.options }

// Event returns the explicit event payload, if any.
func (l *UserEventListener) Event() map[string]string { return l.event }

// Prerequisites returns the actions to run before dispatch.
func (l *UserEventListener) Prerequisites() []Prerequisite {
	return append([]Prerequisite(nil), l.prerequisites...)
}

// Selector returns the selector override or the target's unique path.
func (l *UserEventListener) Selector() string {
	if l.selector != "" {
		return l.selector
	}
	return dom.UniqueCSSPath(l.target)
}

func (l *UserEventListener) clone() *UserEventListener {
	c := *l
	return &c
}

// ForSelector returns a copy with a selector override.
func (l *UserEventListener) ForSelector(selector string) *UserEventListener {
	c := l.clone()
	c.selector = selector
	return c
}

// ForTarget returns a copy dispatched at target, e.g. the original target
// of a delegated listener.
func (l *UserEventListener) ForTarget(target *dom.Element) *UserEventListener {
	c := l.clone()
	c.target = target
	return c
}

// WithDescription returns a copy with a description.
func (l *UserEventListener) WithDescription(description string) *UserEventListener {
	c := l.clone()
	c.description = description
	return c
}

// WithEvent returns a copy with an explicit event payload.
func (l *UserEventListener) WithEvent(event map[string]string) *UserEventListener {
	c := l.clone()
	c.event = event
	return c
}

// WithOptions returns a copy with different registration options.
func (l *UserEventListener) WithOptions(options Options) *UserEventListener {
	c := l.clone()
	c.options = options
	return c
}

// WithPrerequisites returns a copy with prerequisites.
func (l *UserEventListener) WithPrerequisites(prerequisites []Prerequisite) *UserEventListener {
	c := l.clone()
	c.prerequisites = append([]Prerequisite(nil), prerequisites...)
	return c
}

// Identity computes the persisted identity from the current document.
func (l *UserEventListener) Identity() Identity {
	id := Identity{
		Selector:      l.Selector(),
		Type:          l.typ,
		Description:   l.description,
		Event:         l.event,
		Prerequisites: l.Prerequisites(),
	}
	if l.target != nil {
		id.StaticID = l.target.StaticID()
	}
	if len(id.Prerequisites) == 0 {
		id.Prerequisites = nil
	}
	return id
}

func (l *UserEventListener) String() string {
	return l.Identity().String()
}

// IsUserEventType reports whether typ on target is an interaction a user
// can trigger: clicks, focus, key and mouse button events, and change
// events on form controls.
func IsUserEventType(target *dom.Element, typ string) bool {
	switch typ {
	case "click", "focus", "keydown", "keypress", "keyup", "mousedown", "mouseup":
		return true
	case "change":
		return target != nil && target.IsFormControl()
	}
	return false
}
