package page

import (
	"net/http"
	"strings"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/monitor"
)

// DefaultLatency is the response time of routes without a latency.
const DefaultLatency = 100 * time.Millisecond

// Route is a canned response of the simulated network.
type Route struct {
	Method  string        `yaml:"method"`
	URL     string        `yaml:"url"`
	Status  int           `yaml:"status"`
	Body    string        `yaml:"body"`
	Latency time.Duration `yaml:"latency"`

	// Cached responses are served from the browser cache.
	Cached bool `yaml:"cached"`
	// Fail makes the request fail with a network error.
	Fail bool `yaml:"fail"`
	// Stream delivers HEADERS_RECEIVED and LOADING before DONE.
	Stream bool `yaml:"stream"`

	// Script is the code of a script resource.
	Script Script `yaml:"-"`
}

// Network answers XHR and resource requests from registered routes.
type Network struct {
	routes  map[string]*Route
	latency time.Duration
}

// NewNetwork creates a network with no routes.
func NewNetwork() *Network {
	return &Network{routes: make(map[string]*Route), latency: DefaultLatency}
}

// SetDefaultLatency sets the latency of unknown and latency-less routes.
func (n *Network) SetDefaultLatency(d time.Duration) { n.latency = d }

func routeKey(method, url string) string {
	if method == "" {
		return url
	}
	return strings.ToUpper(method) + " " + url
}

// Handle registers r. A route without a method answers every method.
func (n *Network) Handle(r Route) {
	if r.Status == 0 && !r.Fail {
		r.Status = http.StatusOK
	}
	n.routes[routeKey(r.Method, r.URL)] = &r
}

// Lookup finds the route for a request. Unknown URLs answer 404.
func (n *Network) Lookup(method, url string) Route {
	r, ok := n.routes[routeKey(method, url)]
	if !ok {
		r, ok = n.routes[url]
	}
	if !ok {
		return Route{Method: method, URL: url, Status: http.StatusNotFound, Latency: n.latency}
	}
	out := *r
	if out.Latency == 0 {
		out.Latency = n.latency
	}
	return out
}

// XHR is a simulated XMLHttpRequest.
type XHR struct {
	page     *Page
	req      *monitor.Request
	route    Route
	state    int
	status   int
	body     string
	aborted  bool
	handlers map[string][]Handler
}

// NewXHR creates an unsent request.
func (p *Page) NewXHR() *XHR {
	return &XHR{page: p, req: &monitor.Request{}, handlers: make(map[string][]Handler)}
}

// Open prepares the request.
func (x *XHR) Open(method, url string, async bool) {
	x.req.Method = strings.ToUpper(method)
	x.req.URL = url
	x.req.Async = async
	x.state = monitor.Opened
}

// On adds a handler for readystatechange, progress, load or error.
func (x *XHR) On(typ string, fn Handler) {
	x.handlers[typ] = append(x.handlers[typ], fn)
}

func (x *XHR) ReadyState() int           { return x.state }
func (x *XHR) Status() int               { return x.status }
func (x *XHR) ResponseText() string      { return x.body }
func (x *XHR) URL() string               { return x.req.URL }
func (x *XHR) Request() *monitor.Request { return x.req }

// Send issues the request. A synchronous request completes before Send
// returns.
func (x *XHR) Send() {
	p := x.page
	x.route = p.net.Lookup(x.req.Method, x.req.URL)
	x.req.Cached = x.route.Cached
	x.req.Active = true
	p.hooks.AJAXRequest(x.req)

	if !x.req.Async {
		x.respond()
		return
	}
	p.loop.After(x.route.Latency, x.respond)
}

// Abort cancels an active request. Postponed responses are dropped.
func (x *XHR) Abort() {
	if !x.req.Active {
		return
	}
	x.page.hooks.AJAXAbort(x.req)
	x.req.Active = false
	x.aborted = true
	x.state = monitor.Unsent
}

func (x *XHR) respond() {
	if x.aborted {
		return
	}
	p := x.page
	if x.route.Fail {
		x.fail()
		return
	}

	var events []monitor.ResponseEvent
	if x.route.Stream {
		events = append(events,
			monitor.ResponseEvent{Type: "readystatechange", ReadyState: monitor.HeadersReceived},
			monitor.ResponseEvent{Type: "readystatechange", ReadyState: monitor.Loading},
			monitor.ResponseEvent{Type: "progress", ReadyState: monitor.Loading})
	}
	events = append(events,
		monitor.ResponseEvent{Type: "readystatechange", ReadyState: monitor.Done},
		monitor.ResponseEvent{Type: "load", ReadyState: monitor.Done})

	for _, ev := range events {
		ev := ev
		deliver := func() { x.dispatch(ev) }
		if x.req.Async && p.hooks.ShouldBlockAJAXResponse(x.req, ev, deliver) {
			continue
		}
		deliver()
	}
}

func (x *XHR) dispatch(ev monitor.ResponseEvent) {
	if x.aborted {
		return
	}
	p := x.page
	x.state = ev.ReadyState
	if ev.ReadyState >= monitor.HeadersReceived {
		x.status = x.route.Status
	}
	if ev.ReadyState == monitor.Done {
		x.body = x.route.Body
	}
	if ev.IsLoad() {
		x.req.Active = false
	}

	p.hooks.EnterAJAXResponse(x.req, ev)
	e := &Event{Type: ev.Type}
	for _, fn := range x.handlers[ev.Type] {
		fn := fn
		p.run("xhr "+ev.Type+" handler", func() { fn(p, e) })
	}
	p.hooks.ExitAJAXResponse(x.req, ev)
}

func (x *XHR) fail() {
	p := x.page
	x.state = monitor.Done
	x.status = 0
	x.req.Active = false
	p.hooks.EnterAJAXError(x.req)
	e := &Event{Type: "error"}
	for _, fn := range x.handlers["error"] {
		fn := fn
		p.run("xhr error handler", func() { fn(p, e) })
	}
	p.hooks.ExitAJAXError(x.req)
}
