// Package counter implements the quiescence semaphore used while waiting
// for a handler and everything it scheduled to finish.
package counter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// Category is a kind of pending asynchronous work.
type Category string

const (
	AJAX           Category = "ajax"
	Load           Category = "load"
	Promise        Category = "promise"
	ResourceImg    Category = "resource-img"
	ResourceScript Category = "resource-script"
	Timer          Category = "timer"
)

// Categories lists every category in display order.
var Categories = []Category{AJAX, Load, Promise, ResourceImg, ResourceScript, Timer}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Scheduler defers work to a later turn of the host event loop.
type Scheduler interface {
	// Defer runs fn on a later turn, never synchronously.
	Defer(fn func())
	// Every runs fn periodically until stop is called. Ticks must not keep
	// the host alive on their own.
	Every(interval time.Duration, fn func()) (stop func())
}

// Option configures a Counter.
type Option func(*Counter)

// WithLogger sets the logger used for status lines.
func WithLogger(l *slog.Logger) Option {
	return func(c *Counter) { c.logger = l }
}

// WithStatusInterval sets how often pending work is logged. Zero disables it.
func WithStatusInterval(d time.Duration) Option {
	return func(c *Counter) { c.statusInterval = d }
}

// WithName labels the counter in log output.
func WithName(name string) Option {
	return func(c *Counter) { c.name = name }
}

// Counter tracks pending ids per category and fires its callback once,
// the first time the total is observed to be zero at a quiescence point.
type Counter struct {
	sched          Scheduler
	logger         *slog.Logger
	name           string
	statusInterval time.Duration

	pending   map[Category]map[int64]struct{}
	resources map[string]int
	total     int

	callback   func()
	wasBusy    bool
	checking   bool
	done       bool
	stopStatus func()
}

// New creates a counter that schedules its quiescence checks on sched.
func New(sched Scheduler, opts ...Option) *Counter {
	c := &Counter{
		sched:          sched,
		logger:         slog.Default(),
		name:           "counter",
		statusInterval: 5 * time.Second,
		pending:        make(map[Category]map[int64]struct{}, len(Categories)),
		resources:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, cat := range Categories {
		c.pending[cat] = make(map[int64]struct{})
	}
	return c
}

type change struct {
	id       int64
	hasID    bool
	resource string
}

// ChangeOption qualifies a Change call.
type ChangeOption func(*change)

// WithID keys the change by id instead of an anonymous entry.
func WithID(id int64) ChangeOption {
	return func(ch *change) { ch.id, ch.hasID = id, true }
}

// WithResource records the URL of the pending resource.
func WithResource(url string) ChangeOption {
	return func(ch *change) { ch.resource = url }
}

// Change adds (diff = +1) or removes (diff = -1) one pending entry.
// Without WithID an add allocates the smallest free id and a remove
// deletes the lowest pending one. Inconsistent use is a violation.
func (c *Counter) Change(cat Category, diff int, opts ...ChangeOption) {
	errors.Assert(cat.Valid(), errors.CodeCounterMisuse, "unknown category %q", cat)
	errors.Assert(diff == 1 || diff == -1, errors.CodeCounterMisuse, "diff must be +1 or -1, got %d", diff)

	var ch change
	for _, opt := range opts {
		opt(&ch)
	}

	set := c.pending[cat]
	if diff > 0 {
		if !ch.hasID {
			ch.id = freeID(set)
		}
		_, exists := set[ch.id]
		errors.Assert(!exists, errors.CodeCounterMisuse, "%s id %d is already pending", cat, ch.id)
		set[ch.id] = struct{}{}
		c.total++
		if ch.resource != "" {
			if c.resources[ch.resource] > 0 {
				c.logger.Warn("resource requested twice", "counter", c.name, "url", ch.resource)
			}
			c.resources[ch.resource]++
		}
		c.busy()
		return
	}

	errors.Assert(len(set) > 0, errors.CodeCounterMisuse, "no pending %s to remove", cat)
	if !ch.hasID {
		ch.id = lowest(set)
	}
	_, exists := set[ch.id]
	errors.Assert(exists, errors.CodeCounterMisuse, "%s id %d is not pending", cat, ch.id)
	delete(set, ch.id)
	c.total--
	if ch.resource != "" {
		if n := c.resources[ch.resource]; n > 1 {
			c.resources[ch.resource] = n - 1
		} else {
			delete(c.resources, ch.resource)
		}
	}

	if c.total == 0 {
		c.scheduleCheck()
	}
}

// Then registers the completion callback.
func (c *Counter) Then(callback func()) {
	errors.Assert(c.callback == nil, errors.CodeCounterMisuse, "completion callback already registered")
	c.callback = callback
	if c.wasBusy && c.total == 0 {
		c.scheduleCheck()
	}
}

func (c *Counter) busy() {
	if c.wasBusy || c.done {
		return
	}
	c.wasBusy = true
	if c.statusInterval > 0 {
		c.stopStatus = c.sched.Every(c.statusInterval, c.logStatus)
	}
}

func (c *Counter) scheduleCheck() {
	if c.checking || c.done {
		return
	}
	c.checking = true
	c.sched.Defer(c.check)
}

// check is the quiescence point. Work added since the total hit zero
// postpones completion until the next time it drains.
func (c *Counter) check() {
	c.checking = false
	if c.done || c.total > 0 || c.callback == nil {
		return
	}
	c.done = true
	if c.stopStatus != nil {
		c.stopStatus()
		c.stopStatus = nil
	}
	c.callback()
}

func (c *Counter) logStatus() {
	if c.done {
		return
	}
	c.logger.Debug("waiting for pending work", "counter", c.name, "pending", c.Summary())
}

// Pending returns the number of pending entries in cat.
func (c *Counter) Pending(cat Category) int { return len(c.pending[cat]) }

// Total returns the number of pending entries across categories.
func (c *Counter) Total() int { return c.total }

// Done reports whether the completion callback has fired.
func (c *Counter) Done() bool { return c.done }

// Summary describes the pending work, e.g. "ajax=1 timer=2 [/api/data]".
func (c *Counter) Summary() string {
	var parts []string
	for _, cat := range Categories {
		if n := len(c.pending[cat]); n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", cat, n))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "idle")
	}
	if len(c.resources) > 0 {
		urls := make([]string, 0, len(c.resources))
		for url := range c.resources {
			urls = append(urls, url)
		}
		sort.Strings(urls)
		parts = append(parts, "["+strings.Join(urls, " ")+"]")
	}
	return strings.Join(parts, " ")
}

func freeID(set map[int64]struct{}) int64 {
	for id := int64(1); ; id++ {
		if _, ok := set[id]; !ok {
			return id
		}
	}
}

func lowest(set map[int64]struct{}) int64 {
	first := true
	var min int64
	for id := range set {
		if first || id < min {
			min, first = id, false
		}
	}
	return min
}
