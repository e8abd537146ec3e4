// Package errors provides structured, coded errors for ajaxrace.
// Contract violations are raised as panics carrying an *Error with a
// violation code; everything else is returned as an ordinary error value.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Error codes for programmatic handling
type Code string

const (
	// Configuration errors (1xx)
	CodeConfigNotFound  Code = "E101"
	CodeConfigInvalid   Code = "E102"
	CodeFixtureInvalid  Code = "E103"
	CodeFixtureNotFound Code = "E104"

	// Contract violations (2xx)
	CodeBadNesting    Code = "E201"
	CodeNoUniqueRoot  Code = "E202"
	CodeCounterMisuse Code = "E203"
	CodeUnknownKind   Code = "E204"
	CodeInvalidTrace  Code = "E205"

	// Store errors (3xx)
	CodeStoreWrite    Code = "E301"
	CodeStoreRead     Code = "E302"
	CodeStoreNotFound Code = "E303"
	CodeStoreConnect  Code = "E304"

	// Runtime errors (4xx)
	CodeContextCanceled Code = "E401"
	CodeTimeout         Code = "E402"
	CodePanic           Code = "E403"
	CodePageStalled     Code = "E404"
	CodeEpisodeAborted  Code = "E405"

	// Replay errors (5xx)
	CodeListenerNotFound Code = "E501"
	CodeReplayFailed     Code = "E502"

	// Unknown
	CodeUnknown Code = "E999"
)

// Error is the base error type for all ajaxrace errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Contract violations ---

// Violation panics with a contract-violation error. Callers that isolate
// faults (the monitor dispatcher) recover it with Recovered.
func Violation(code Code, format string, args ...interface{}) {
	panic(&Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	})
}

// Assert raises a violation when cond is false.
func Assert(cond bool, code Code, format string, args ...interface{}) {
	if !cond {
		panic(&Error{
			Code:       code,
			Message:    fmt.Sprintf(format, args...),
			StackTrace: captureStack(2),
		})
	}
}

// Recovered converts a recovered panic value into an error.
func Recovered(r interface{}) error {
	switch v := r.(type) {
	case nil:
		return nil
	case *Error:
		return v
	case error:
		return Wrap(v, CodePanic, "panic")
	default:
		return Newf(CodePanic, "panic: %v", v)
	}
}

// IsViolation reports whether err is a contract violation.
func IsViolation(err error) bool {
	code := GetCode(err)
	return code >= "E200" && code < "E300"
}

// --- Convenience constructors ---

// ListenerNotFound creates the replay failure for an unresolvable handler.
func ListenerNotFound(which string) *Error {
	return Newf(CodeListenerNotFound, "Failed to execute %s user event listener", which)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *Error {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeStoreConnect, CodePageStalled:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
