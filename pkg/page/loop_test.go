package page

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoop_TimersRunInDeadlineOrder(t *testing.T) {
	l := NewLoop(0, nil)
	var got []int
	l.After(30*time.Millisecond, func() { got = append(got, 30) })
	l.After(10*time.Millisecond, func() { got = append(got, 10) })
	l.After(20*time.Millisecond, func() { got = append(got, 20) })
	l.After(10*time.Millisecond, func() { got = append(got, 11) })

	if err := l.RunIdle(context.Background()); err != nil {
		t.Fatalf("RunIdle: %v", err)
	}
	want := []int{10, 11, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if elapsed := l.Now().Sub(Epoch); elapsed != 30*time.Millisecond {
		t.Errorf("clock advanced %v, want 30ms", elapsed)
	}
}

func TestLoop_MicrotasksBeforeNextTask(t *testing.T) {
	l := NewLoop(0, nil)
	var got []string
	l.Defer(func() {
		got = append(got, "task1")
		l.Microtask(func() { got = append(got, "micro") })
	})
	l.Defer(func() { got = append(got, "task2") })

	if err := l.RunIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[1] != "micro" {
		t.Errorf("order = %v", got)
	}
}

func TestLoop_DaemonTimersDoNotKeepLoopAlive(t *testing.T) {
	l := NewLoop(0, nil)
	ticks := 0
	stop := l.Every(time.Second, func() { ticks++ })
	defer stop()

	l.After(3500*time.Millisecond, func() {})
	if err := l.RunIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
	if !l.Idle() {
		t.Error("loop should be idle with only a daemon timer left")
	}
}

func TestLoop_CancelledTimerDoesNotRun(t *testing.T) {
	l := NewLoop(0, nil)
	ran := false
	cancel := l.After(time.Second, func() { ran = true })
	cancel()
	cancel()

	if err := l.RunIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("cancelled timer ran")
	}
}

func TestLoop_RunUntilStalls(t *testing.T) {
	l := NewLoop(0, nil)
	err := l.RunUntil(context.Background(), func() bool { return false })
	if !errors.Is(err, ErrStalled) {
		t.Errorf("err = %v, want ErrStalled", err)
	}
}

func TestLoop_RunUntilHorizon(t *testing.T) {
	l := NewLoop(time.Second, nil)
	var again func()
	again = func() { l.After(100*time.Millisecond, again) }
	again()

	err := l.RunUntil(context.Background(), func() bool { return false })
	if !errors.Is(err, ErrHorizon) {
		t.Errorf("err = %v, want ErrHorizon", err)
	}
}

func TestLoop_RunUntilContext(t *testing.T) {
	l := NewLoop(0, nil)
	l.Defer(func() {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.RunUntil(ctx, func() bool { return false }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLoop_RunFor(t *testing.T) {
	l := NewLoop(0, nil)
	early, late := false, false
	l.After(200*time.Millisecond, func() { early = true })
	l.After(800*time.Millisecond, func() { late = true })

	if err := l.RunFor(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !early || late {
		t.Errorf("early=%v late=%v", early, late)
	}
	if elapsed := l.Now().Sub(Epoch); elapsed != 500*time.Millisecond {
		t.Errorf("clock at %v, want 500ms", elapsed)
	}
}

func TestLoop_PanickingTaskIsIsolated(t *testing.T) {
	l := NewLoop(0, nil)
	ran := false
	l.Defer(func() { panic("boom") })
	l.Defer(func() { ran = true })

	if err := l.RunIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("task after panic did not run")
	}
}
