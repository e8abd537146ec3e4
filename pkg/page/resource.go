package page

import (
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

// LoadImage points el at url. The element receives load or error once the
// network answers.
func (p *Page) LoadImage(el *dom.Element, url string) {
	el.SetAttr("src", url)
	r := &monitor.Resource{URL: url, Kind: monitor.Image, Element: el, Async: true}
	p.request(r, func(ok bool) {
		p.fireElementEvent(el, ok)
	})
}

// LoadScript appends a script element for url to the body. An async script
// runs as soon as it arrives and may be postponed by a monitor; a blocking
// script runs in arrival order.
func (p *Page) LoadScript(url string, async bool) *dom.Element {
	el := p.doc.CreateElement("script")
	el.SetAttr("src", url)
	p.AppendChild(p.doc.Body(), el)

	r := &monitor.Resource{URL: url, Kind: monitor.ScriptFile, Element: el, Async: async}
	p.request(r, func(ok bool) {
		if !ok {
			p.fireElementEvent(el, false)
			return
		}
		route := p.net.Lookup("GET", url)
		run := func() {
			if route.Script != nil {
				p.runScript(&monitor.Script{Name: url, Resource: r}, route.Script)
			}
			p.fireElementEvent(el, true)
		}
		if p.hooks.ShouldBlockScript(r, run) {
			return
		}
		run()
	})
	return el
}

// LoadAsset requests a resource that is neither an image nor a script,
// e.g. a stylesheet.
func (p *Page) LoadAsset(el *dom.Element, url string) {
	r := &monitor.Resource{URL: url, Kind: monitor.OtherAsset, Element: el, Async: true}
	p.request(r, func(ok bool) { p.fireElementEvent(el, ok) })
}

func (p *Page) request(r *monitor.Resource, done func(ok bool)) {
	route := p.net.Lookup("GET", r.URL)
	p.hooks.ResourceRequest(r)
	p.loop.After(route.Latency, func() {
		p.hooks.ResourceResponse(r)
		done(!route.Fail && route.Status < 400)
	})
}

func (p *Page) fireElementEvent(el *dom.Element, ok bool) {
	if el == nil {
		return
	}
	typ := "load"
	if !ok {
		typ = "error"
	}
	p.Dispatch(el, typ, nil)
}
