package fixture

import (
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/page"
)

// Name implements session.Site.
func (f *Fixture) Name() string { return f.Site }

// Postprocessing returns the steps run after every replayed pair.
func (f *Fixture) Postprocessing() []listener.Prerequisite { return f.Postprocess }

// Build creates the initial document and routes on p and returns the main
// script, which registers the listeners and runs the onload actions.
func (f *Fixture) Build(p *page.Page) (page.Script, error) {
	doc := p.Document()
	for _, el := range f.Elements {
		parent := doc.Body()
		if el.Parent != "" {
			parent = doc.GetElementByID(el.Parent)
		}
		parent.AppendChild(newElement(doc, el))
	}

	for _, r := range f.Routes {
		route := r.Route
		if len(r.Actions) > 0 {
			actions := r.Actions
			route.Script = func(p *page.Page) { run(p, actions) }
		}
		p.Network().Handle(route)
	}

	for _, l := range f.Listeners {
		if doc.QuerySelector(l.Selector) == nil {
			return nil, errors.Newf(errors.CodeFixtureInvalid, "listener selector %s matches nothing", l.Selector)
		}
	}

	return func(p *page.Page) {
		for _, l := range f.Listeners {
			listen(p, p.Document().QuerySelector(l.Selector), l.Type, l.Actions,
				listener.Options{Capture: l.Capture, Once: l.Once})
		}
		run(p, f.OnLoad)
	}, nil
}

func newElement(doc *dom.Document, spec Element) *dom.Element {
	el := doc.CreateElement(spec.Tag)
	el.ID = spec.ID
	el.SetRect(spec.Rect)
	el.SetText(spec.Text)
	el.SetValue(spec.Value)
	el.SetHidden(spec.Hidden)
	if len(spec.Options) > 0 {
		el.SetOptions(spec.Options)
	}
	if spec.StaticID != "" {
		el.SetAttr(dom.StaticIDAttribute, spec.StaticID)
	}
	return el
}

func listen(p *page.Page, target *dom.Element, typ string, actions []Action, opts listener.Options) {
	p.AddEventListener(target, typ, func(p *page.Page, _ *page.Event) {
		run(p, actions)
	}, opts)
}

func run(p *page.Page, actions []Action) {
	for _, a := range actions {
		exec(p, a)
	}
}

// element resolves a selector or panics, which the page records as an
// uncaught script error.
func element(p *page.Page, selector string) *dom.Element {
	el := p.Document().QuerySelector(selector)
	if el == nil {
		panic(errors.Newf(errors.CodeFixtureInvalid, "%s matches nothing", selector))
	}
	return el
}

func exec(p *page.Page, a Action) {
	switch a.Do {
	case SetText:
		p.SetText(element(p, a.Target), a.Text)
	case CopyValue:
		p.SetText(element(p, a.Target), element(p, a.Source).Value())
	case Show:
		p.SetHidden(element(p, a.Target), false)
	case Hide:
		p.SetHidden(element(p, a.Target), true)
	case Append:
		p.AppendChild(element(p, a.Target), newElement(p.Document(), *a.Element))
	case Remove:
		el := element(p, a.Target)
		if parent := el.Parent(); parent != nil {
			p.RemoveChild(parent, el)
		}
	case Ajax:
		ajax(p, a)
	case Timeout:
		then := a.Then
		p.SetTimeout(func(p *page.Page) { run(p, then) }, a.Delay)
	case Interval:
		interval(p, a)
	case Promise:
		promise(p, a)
	case LoadScript:
		p.LoadScript(a.URL, a.Async)
	case LoadImage:
		var img *dom.Element
		if a.Target != "" {
			img = element(p, a.Target)
		} else {
			img = p.Document().CreateElement("img")
			p.AppendChild(p.Document().Body(), img)
		}
		if len(a.Then) > 0 {
			listen(p, img, "load", a.Then, listener.Options{Once: true})
		}
		if len(a.Else) > 0 {
			listen(p, img, "error", a.Else, listener.Options{Once: true})
		}
		p.LoadImage(img, a.URL)
	case Listen:
		target := p.Document().Body()
		if a.Selector != "" {
			target = element(p, a.Selector)
		}
		listen(p, target, a.Type, a.Then, listener.Options{})
	default:
		panic(errors.Newf(errors.CodeFixtureInvalid, "unknown action %q", a.Do))
	}
}

// ajax sends a request. On success the body goes into Target, if any,
// before Then runs.
func ajax(p *page.Page, a Action) {
	method := a.Method
	if method == "" {
		method = "GET"
	}
	x := p.NewXHR()
	x.Open(method, a.URL, !a.Sync)
	x.On("load", func(p *page.Page, _ *page.Event) {
		if x.Status() >= 400 {
			run(p, a.Else)
			return
		}
		if a.Target != "" {
			p.SetText(element(p, a.Target), x.ResponseText())
		}
		run(p, a.Then)
	})
	x.On("error", func(p *page.Page, _ *page.Event) { run(p, a.Else) })
	x.Send()
}

func interval(p *page.Page, a Action) {
	fired := 0
	var id int
	id = p.SetInterval(func(p *page.Page) {
		fired++
		if a.Times > 0 && fired >= a.Times {
			p.ClearInterval(id)
		}
		run(p, a.Then)
	}, a.Delay)
}

// promise creates a promise that settles after Delay. Then handles the
// fulfillment and Else the rejection.
func promise(p *page.Page, a Action) {
	pr := p.NewPromise(func(resolve, reject func(any)) {
		settle := resolve
		if a.Reject {
			settle = reject
		}
		if a.Delay <= 0 {
			settle(a.Text)
			return
		}
		p.SetTimeout(func(*page.Page) { settle(a.Text) }, a.Delay)
	})
	if len(a.Then) > 0 {
		then := a.Then
		pr.Then(func(p *page.Page, _ any) { run(p, then) })
	}
	if len(a.Else) > 0 {
		els := a.Else
		pr.Catch(func(p *page.Page, _ any) { run(p, els) })
	}
}
