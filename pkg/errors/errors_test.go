package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := Wrap(fmt.Errorf("disk full"), CodeStoreWrite, "write replay").
		WithContext("run", "r1").
		WithContext("pair", "0-1")

	want := "[E301] write replay (pair=0-1, run=r1): disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if errors.Unwrap(err) == nil {
		t.Error("cause not unwrapped")
	}
}

func TestCodes(t *testing.T) {
	wrapped := fmt.Errorf("open: %w", New(CodeStoreConnect, "redis down"))

	if !IsCode(wrapped, CodeStoreConnect) {
		t.Error("IsCode failed through fmt wrapping")
	}
	if GetCode(fmt.Errorf("plain")) != CodeUnknown {
		t.Error("plain error has a code")
	}
	if !errors.Is(wrapped, New(CodeStoreConnect, "")) {
		t.Error("errors.Is did not match on code")
	}

	tests := []struct {
		code      Code
		retryable bool
		violation bool
	}{
		{CodeStoreConnect, true, false},
		{CodeTimeout, true, false},
		{CodePageStalled, true, false},
		{CodeStoreWrite, false, false},
		{CodeBadNesting, false, true},
		{CodeInvalidTrace, false, true},
	}
	for _, tt := range tests {
		err := New(tt.code, "x")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s: IsRetryable = %v", tt.code, !tt.retryable)
		}
		if IsViolation(err) != tt.violation {
			t.Errorf("%s: IsViolation = %v", tt.code, !tt.violation)
		}
	}
}

func TestViolation_Recovered(t *testing.T) {
	recovered := func(fn func()) (err error) {
		defer func() { err = Recovered(recover()) }()
		fn()
		return nil
	}

	err := recovered(func() { Violation(CodeCounterMisuse, "count %d below zero", -1) })
	if !IsCode(err, CodeCounterMisuse) || !strings.Contains(err.Error(), "below zero") {
		t.Errorf("violation = %v", err)
	}
	if err := recovered(func() { Assert(true, CodeBadNesting, "unused") }); err != nil {
		t.Errorf("passing assert raised %v", err)
	}
	if err := recovered(func() { panic("boom") }); !IsCode(err, CodePanic) {
		t.Errorf("plain panic = %v", err)
	}
}

func TestMultiError(t *testing.T) {
	var m MultiError
	if m.Combined() != nil {
		t.Error("empty MultiError is not nil")
	}
	m.Add(nil)
	m.Add(New(CodeReplayFailed, "pair 0-1"))
	if m.Combined() != m.Errors[0] {
		t.Error("single error not returned as is")
	}
	m.Add(New(CodeReplayFailed, "pair 0-2"))
	if !m.HasErrors() || !strings.HasPrefix(m.Combined().Error(), "2 errors occurred") {
		t.Errorf("combined = %v", m.Combined())
	}
}
