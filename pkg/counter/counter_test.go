package counter

import (
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// turnScheduler queues deferred work until the test runs the next turn.
type turnScheduler struct {
	queue   []func()
	tickers int
	stopped int
}

func (s *turnScheduler) Defer(fn func()) { s.queue = append(s.queue, fn) }

func (s *turnScheduler) Every(time.Duration, func()) func() {
	s.tickers++
	return func() { s.stopped++ }
}

func (s *turnScheduler) turn() {
	queue := s.queue
	s.queue = nil
	for _, fn := range queue {
		fn()
	}
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		err := errors.Recovered(recover())
		if !errors.IsCode(err, errors.CodeCounterMisuse) {
			t.Fatalf("expected counter misuse, got %v", err)
		}
	}()
	fn()
}

func TestCounter_FiresOnceOnLaterTurn(t *testing.T) {
	sched := &turnScheduler{}
	c := New(sched)

	fired := 0
	c.Then(func() { fired++ })

	c.Change(Timer, 1, WithID(42))
	c.Change(Timer, -1, WithID(42))
	if fired != 0 {
		t.Fatal("callback must not fire synchronously")
	}

	sched.turn()
	if fired != 1 {
		t.Fatalf("expected one completion, got %d", fired)
	}

	sched.turn()
	if fired != 1 {
		t.Fatalf("callback fired again: %d", fired)
	}
	if sched.stopped != 1 {
		t.Errorf("status ticker not stopped")
	}
}

func TestCounter_WorkAddedBeforeCheckPostpones(t *testing.T) {
	sched := &turnScheduler{}
	c := New(sched)

	fired := 0
	c.Then(func() { fired++ })

	c.Change(AJAX, 1)
	c.Change(AJAX, -1)
	c.Change(Promise, 1, WithID(3))

	sched.turn()
	if fired != 0 {
		t.Fatal("completion declared while work was pending")
	}

	c.Change(Promise, -1, WithID(3))
	sched.turn()
	if fired != 1 {
		t.Fatalf("expected completion, got %d", fired)
	}
}

func TestCounter_NeverBusyNeverFires(t *testing.T) {
	sched := &turnScheduler{}
	c := New(sched)
	fired := false
	c.Then(func() { fired = true })
	sched.turn()
	if fired {
		t.Fatal("callback fired without pending work ever existing")
	}
}

func TestCounter_AnonymousIDs(t *testing.T) {
	c := New(&turnScheduler{})
	c.Change(Timer, 1)
	c.Change(Timer, 1)
	c.Change(Timer, -1, WithID(1))
	c.Change(Timer, 1)
	if c.Pending(Timer) != 2 {
		t.Fatalf("pending = %d, want 2", c.Pending(Timer))
	}
	c.Change(Timer, -1)
	c.Change(Timer, -1)
	if c.Total() != 0 {
		t.Fatalf("total = %d, want 0", c.Total())
	}
}

func TestCounter_Violations(t *testing.T) {
	expectViolation(t, func() {
		c := New(&turnScheduler{})
		c.Change(AJAX, 1, WithID(1))
		c.Change(AJAX, 1, WithID(1))
	})
	expectViolation(t, func() {
		c := New(&turnScheduler{})
		c.Change(AJAX, 1, WithID(1))
		c.Change(AJAX, -1, WithID(2))
	})
	expectViolation(t, func() {
		New(&turnScheduler{}).Change(Load, -1)
	})
	expectViolation(t, func() {
		New(&turnScheduler{}).Change(Category("websocket"), 1)
	})
	expectViolation(t, func() {
		New(&turnScheduler{}).Change(Timer, 2)
	})
	expectViolation(t, func() {
		c := New(&turnScheduler{})
		c.Then(func() {})
		c.Then(func() {})
	})
}

func TestCounter_Summary(t *testing.T) {
	c := New(&turnScheduler{})
	if c.Summary() != "idle" {
		t.Errorf("summary = %q", c.Summary())
	}
	c.Change(ResourceScript, 1, WithResource("/a.js"))
	c.Change(Timer, 1)
	if got := c.Summary(); got != "resource-script=1 timer=1 [/a.js]" {
		t.Errorf("summary = %q", got)
	}
	c.Change(ResourceScript, -1, WithResource("/a.js"))
	if got := c.Summary(); got != "timer=1" {
		t.Errorf("summary = %q", got)
	}
}

func TestCounter_ThenAfterDrain(t *testing.T) {
	sched := &turnScheduler{}
	c := New(sched)
	c.Change(Load, 1)
	c.Change(Load, -1)
	sched.turn()

	fired := false
	c.Then(func() { fired = true })
	sched.turn()
	if !fired {
		t.Fatal("callback registered after drain should fire at the next check")
	}
}
