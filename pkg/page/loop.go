package page

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

var (
	// ErrStalled is returned when nothing is left to run but the awaited
	// condition never became true.
	ErrStalled = errors.New(errors.CodePageStalled, "page stalled with nothing left to run")

	// ErrHorizon is returned when the virtual clock passed the run horizon.
	ErrHorizon = errors.New(errors.CodeTimeout, "page exceeded its virtual time horizon")
)

// Epoch is the virtual time a loop starts at.
var Epoch = time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)

// timer is a scheduled task on the virtual clock. Daemon timers run only
// while the clock advances for other work.
type timer struct {
	when      time.Time
	seq       uint64
	fn        func()
	daemon    bool
	cancelled bool
	index     int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}

// Loop is a single-threaded event loop with a virtual clock: a macrotask
// queue, a microtask queue drained after every task, and a timer heap.
// The clock jumps to the next timer when the task queue is empty.
type Loop struct {
	now        time.Time
	tasks      []func()
	microtasks []func()
	timers     timerHeap
	live       int // scheduled non-daemon timers
	seq        uint64
	horizon    time.Duration
	steps      int
	logger     *slog.Logger
}

// NewLoop creates a loop at Epoch. A zero horizon means unbounded.
func NewLoop(horizon time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{now: Epoch, horizon: horizon, logger: logger}
}

// Now returns the virtual time.
func (l *Loop) Now() time.Time { return l.now }

// Steps returns the number of tasks and timers run so far.
func (l *Loop) Steps() int { return l.steps }

// Defer queues fn as a macrotask.
func (l *Loop) Defer(fn func()) {
	l.tasks = append(l.tasks, fn)
}

// Microtask queues fn to run once the current task finishes.
func (l *Loop) Microtask(fn func()) {
	l.microtasks = append(l.microtasks, fn)
}

func (l *Loop) schedule(delay time.Duration, fn func(), daemon bool) *timer {
	if delay < 0 {
		delay = 0
	}
	l.seq++
	t := &timer{when: l.now.Add(delay), seq: l.seq, fn: fn, daemon: daemon}
	heap.Push(&l.timers, t)
	if !daemon {
		l.live++
	}
	return t
}

// After runs fn once delay has passed on the virtual clock.
func (l *Loop) After(delay time.Duration, fn func()) (cancel func()) {
	t := l.schedule(delay, fn, false)
	return func() { l.cancel(t) }
}

// Every runs fn every d while other work keeps the loop alive. It never
// prevents the loop from going idle.
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	stopped := false
	var current *timer
	var tick func()
	tick = func() {
		if stopped {
			return
		}
		fn()
		if !stopped {
			current = l.schedule(d, tick, true)
		}
	}
	current = l.schedule(d, tick, true)
	return func() {
		stopped = true
		l.cancel(current)
	}
}

func (l *Loop) cancel(t *timer) {
	if t == nil || t.cancelled || t.index < 0 {
		return
	}
	t.cancelled = true
	heap.Remove(&l.timers, t.index)
	if !t.daemon {
		l.live--
	}
}

func (l *Loop) safeRun(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "kind", kind, "err", errors.Recovered(r))
		}
	}()
	fn()
}

func (l *Loop) drainMicrotasks() {
	for len(l.microtasks) > 0 {
		fn := l.microtasks[0]
		l.microtasks[0] = nil
		l.microtasks = l.microtasks[1:]
		l.safeRun("microtask", fn)
	}
}

// popTimer removes the earliest timer and advances the clock to it.
func (l *Loop) popTimer() *timer {
	t := heap.Pop(&l.timers).(*timer)
	if !t.daemon {
		l.live--
	}
	if t.when.After(l.now) {
		l.now = t.when
	}
	return t
}

// Step runs one macrotask, or the next timer when the queue is empty, and
// then drains microtasks. It reports false when only daemon timers remain.
func (l *Loop) Step() bool {
	l.drainMicrotasks()
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.steps++
		l.safeRun("task", fn)
		l.drainMicrotasks()
		return true
	}
	if l.live == 0 {
		return false
	}
	t := l.popTimer()
	l.steps++
	l.safeRun("timer", t.fn)
	l.drainMicrotasks()
	return true
}

// Idle reports whether nothing but daemon timers is scheduled.
func (l *Loop) Idle() bool {
	return len(l.tasks) == 0 && len(l.microtasks) == 0 && l.live == 0
}

// RunUntil steps the loop until done reports true. It fails with
// ErrStalled when the loop goes idle first, with ErrHorizon when the
// virtual clock runs past the horizon, and with the context's error when
// ctx ends.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	deadline := l.now.Add(l.horizon)
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.horizon > 0 && l.now.After(deadline) {
			return ErrHorizon
		}
		if !l.Step() {
			if done() {
				return nil
			}
			return ErrStalled
		}
	}
	return nil
}

// RunFor runs everything due within d, including daemon timers, and leaves
// the clock at now+d.
func (l *Loop) RunFor(ctx context.Context, d time.Duration) error {
	end := l.now.Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.drainMicrotasks()
		if len(l.tasks) > 0 {
			l.Step()
			continue
		}
		if len(l.timers) == 0 || l.timers[0].when.After(end) {
			break
		}
		t := l.popTimer()
		l.steps++
		l.safeRun("timer", t.fn)
	}
	if end.After(l.now) {
		l.now = end
	}
	return nil
}

// RunIdle runs until the loop is idle.
func (l *Loop) RunIdle(ctx context.Context) error {
	return l.RunUntil(ctx, l.Idle)
}
