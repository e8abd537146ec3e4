// Package fixture defines simulated sites in YAML: the initial document,
// the network routes and the scripts that register listeners and react to
// events. A Fixture is a session.Site.
package fixture

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/page"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Fixture is a site definition.
type Fixture struct {
	Site        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Routes      []Route             `yaml:"routes,omitempty"`
	Elements    []Element           `yaml:"elements,omitempty"`
	Listeners   []Listener          `yaml:"listeners,omitempty"`
	OnLoad      []Action            `yaml:"onload,omitempty"`
	Manual      []listener.Identity `yaml:"manual,omitempty"`

	// Postprocess runs after every replayed pair, before the document is
	// compared.
	Postprocess []listener.Prerequisite `yaml:"postprocessing,omitempty"`
}

// Route is a canned response. Routes with actions serve script resources
// that run those actions.
type Route struct {
	page.Route `yaml:",inline"`
	Actions    []Action `yaml:"script,omitempty"`
}

// Element is a node of the initial document. Elements without a parent
// are appended to the body, in order.
type Element struct {
	ID       string     `yaml:"id"`
	Tag      string     `yaml:"tag"`
	Parent   string     `yaml:"parent,omitempty"`
	StaticID string     `yaml:"static_id,omitempty"`
	Text     string     `yaml:"text,omitempty"`
	Value    string     `yaml:"value,omitempty"`
	Options  []string   `yaml:"options,omitempty"`
	Hidden   bool       `yaml:"hidden,omitempty"`
	Rect     trace.Rect `yaml:"rect"`
}

// Listener is an event handler registered by the main script.
type Listener struct {
	Selector string   `yaml:"selector"`
	Type     string   `yaml:"type"`
	Capture  bool     `yaml:"capture,omitempty"`
	Once     bool     `yaml:"once,omitempty"`
	Actions  []Action `yaml:"do"`
}

// Action kinds.
const (
	SetText    = "set-text"
	CopyValue  = "copy-value"
	Show       = "show"
	Hide       = "hide"
	Append     = "append"
	Remove     = "remove"
	Ajax       = "ajax"
	Timeout    = "timeout"
	Interval   = "interval"
	Promise    = "promise"
	LoadScript = "load-script"
	LoadImage  = "load-image"
	Listen     = "listen"
)

// Action is one statement of a fixture script.
type Action struct {
	Do     string `yaml:"do"`
	Target string `yaml:"target,omitempty"`
	Text   string `yaml:"text,omitempty"`

	// Source is the element copy-value reads from.
	Source string `yaml:"source,omitempty"`

	// Element is the node created by append.
	Element *Element `yaml:"element,omitempty"`

	URL    string `yaml:"url,omitempty"`
	Method string `yaml:"method,omitempty"`
	// Sync makes an ajax request synchronous.
	Sync bool `yaml:"sync,omitempty"`
	// Async loads a script without blocking the parser.
	Async bool `yaml:"async,omitempty"`

	Delay time.Duration `yaml:"delay,omitempty"`
	// Times bounds the firings of an interval; zero means until cleared.
	Times int `yaml:"times,omitempty"`

	// Type and Selector describe the listener added by listen.
	Type     string `yaml:"type,omitempty"`
	Selector string `yaml:"selector,omitempty"`

	// Then runs on success: the response of an ajax, the firing of a
	// timer, the resolution of a promise or the body of a listener.
	Then []Action `yaml:"then,omitempty"`
	// Else runs when an ajax fails or a promise rejects.
	Else []Action `yaml:"else,omitempty"`
	// Reject settles a promise as rejected.
	Reject bool `yaml:"reject,omitempty"`
}

var validActions = map[string]bool{
	SetText: true, CopyValue: true, Show: true, Hide: true, Append: true,
	Remove: true, Ajax: true, Timeout: true, Interval: true, Promise: true,
	LoadScript: true, LoadImage: true, Listen: true,
}

// Parse decodes and validates a fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.CodeFixtureInvalid, "failed to parse fixture")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeFixtureNotFound, "fixture not found").
				WithContext("path", path)
		}
		return nil, errors.Wrap(err, errors.CodeFixtureInvalid, "failed to read fixture")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFixtureInvalid, path)
	}
	return f, nil
}

// Validate checks element references and action kinds.
func (f *Fixture) Validate() error {
	if f.Site == "" {
		return errors.New(errors.CodeFixtureInvalid, "fixture has no name")
	}
	ids := make(map[string]bool, len(f.Elements))
	for i, el := range f.Elements {
		if el.ID == "" || el.Tag == "" {
			return errors.Newf(errors.CodeFixtureInvalid, "element %d needs an id and a tag", i)
		}
		if ids[el.ID] {
			return errors.New(errors.CodeFixtureInvalid, "duplicate element id "+el.ID)
		}
		if el.Parent != "" && !ids[el.Parent] {
			return errors.Newf(errors.CodeFixtureInvalid,
				"element %s: parent %s must be declared before it", el.ID, el.Parent)
		}
		ids[el.ID] = true
	}
	for _, r := range f.Routes {
		if r.URL == "" {
			return errors.New(errors.CodeFixtureInvalid, "route without url")
		}
		if err := validateActions(r.Actions, "route "+r.URL); err != nil {
			return err
		}
	}
	for _, l := range f.Listeners {
		if l.Selector == "" || l.Type == "" {
			return errors.New(errors.CodeFixtureInvalid, "listener needs a selector and a type")
		}
		if err := validateActions(l.Actions, l.Selector+" "+l.Type); err != nil {
			return err
		}
	}
	for i, pre := range f.Postprocess {
		if pre.Type == "" || (pre.Type != "scroll" && pre.Selector == "") {
			return errors.Newf(errors.CodeFixtureInvalid, "postprocessing step %d needs a type and a selector", i)
		}
	}
	return validateActions(f.OnLoad, "onload")
}

func validateActions(actions []Action, where string) error {
	for _, a := range actions {
		if !validActions[a.Do] {
			return errors.Newf(errors.CodeFixtureInvalid, "%s: unknown action %q", where, a.Do)
		}
		switch a.Do {
		case Ajax, LoadScript, LoadImage:
			if a.URL == "" {
				return errors.Newf(errors.CodeFixtureInvalid, "%s: %s needs a url", where, a.Do)
			}
		case Append:
			if a.Element == nil || a.Element.Tag == "" {
				return errors.Newf(errors.CodeFixtureInvalid, "%s: append needs an element", where)
			}
		case Listen:
			if a.Type == "" {
				return errors.Newf(errors.CodeFixtureInvalid, "%s: listen needs a type", where)
			}
		case CopyValue:
			if a.Source == "" {
				return errors.Newf(errors.CodeFixtureInvalid, "%s: copy-value needs a source", where)
			}
		}
		if err := validateActions(a.Then, where); err != nil {
			return err
		}
		if err := validateActions(a.Else, where); err != nil {
			return err
		}
	}
	return nil
}

// Identities returns the listeners of the fixture in declaration order,
// the default manual sequence when Manual is empty.
func (f *Fixture) Identities() []listener.Identity {
	if len(f.Manual) > 0 {
		return append([]listener.Identity(nil), f.Manual...)
	}
	ids := make([]listener.Identity, 0, len(f.Listeners))
	for _, l := range f.Listeners {
		ids = append(ids, listener.Identity{Selector: l.Selector, Type: l.Type})
	}
	return ids
}
