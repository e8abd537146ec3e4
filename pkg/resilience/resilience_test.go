package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

var errDown = errors.New(errors.CodeStoreConnect, "down")

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker().WithMaxFailures(2).WithCooldown(time.Minute)
	cb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("attempt %d rejected while closed", i)
		}
		cb.Record(errDown)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker allowed a call")
	}

	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatal("no trial after cooldown")
	}
	if cb.State() != CircuitHalfOpen || cb.Allow() {
		t.Errorf("half-open breaker allowed a second trial")
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v after successful trial", cb.State())
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker().WithMaxFailures(1).WithCooldown(time.Second)
	cb.now = func() time.Time { return now }

	cb.Do(func() error { return errDown })
	now = now.Add(time.Second)
	if err := cb.Do(func() error { return errDown }); err != errDown {
		t.Fatalf("trial err = %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	if err := cb.Do(func() error { return nil }); !errors.IsCode(err, errors.CodeStoreConnect) {
		t.Errorf("call through open breaker = %v", err)
	}
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first", []error{nil}, 1, false},
		{"succeeds after retries", []error{errDown, errDown, nil}, 3, false},
		{"gives up", []error{errDown, errDown, errDown, nil}, 3, true},
		{"not retryable", []error{errors.New(errors.CodeStoreWrite, "denied"), nil}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), policy, func(context.Context) error {
				err := tt.errs[calls]
				calls++
				return err
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestRetry_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 5, Delay: time.Hour}, func(context.Context) error { return errDown })
	if !errors.IsCode(err, errors.CodeContextCanceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}
