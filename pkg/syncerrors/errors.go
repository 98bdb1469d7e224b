// Package syncerrors provides structured error handling for syncbridge.
// Every cross-component boundary returns a typed *Error carrying the
// error kind, the component that produced it, and whether a retry can
// reasonably succeed.
package syncerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind represents the category of error
type Kind string

const (
	// KindConfig represents configuration errors: bad mapping, missing
	// required field, unknown option. Fatal at startup or job creation.
	KindConfig Kind = "config"
	// KindTransient represents transient I/O errors: connection lost,
	// timeout, deadlock. Retried with backoff.
	KindTransient Kind = "transient"
	// KindData represents data errors: coercion failure, validation
	// failure, referential violation. Recorded as quality issues.
	KindData Kind = "data"
	// KindConflict represents concurrent-modification errors
	KindConflict Kind = "conflict"
	// KindIntegrity represents integrity errors: watermark regression,
	// schema mismatch, corrupted checkpoint. Operator intervention required.
	KindIntegrity Kind = "integrity"
	// KindNotFound represents resource not found errors
	KindNotFound Kind = "not_found"
	// KindExists represents already-exists errors
	KindExists Kind = "exists"
	// KindInternal represents internal system errors
	KindInternal Kind = "internal"
)

// Error represents a structured error with context
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
	Detail    map[string]interface{}
	Retriable bool
	Stack     []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Component, e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// New creates a new error with the given kind, component and message.
// Retriability is derived from the kind; use WithRetriable to override.
func New(kind Kind, component, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   message,
		Retriable: kind == KindTransient,
		Stack:     captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, component, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
		Retriable: kind == KindTransient,
		Stack:     captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, kind Kind, component, message string) *Error {
	if err == nil {
		return nil
	}

	// Preserve the stack when the cause is already one of ours
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:      kind,
			Component: component,
			Message:   message,
			Cause:     err,
			Retriable: kind == KindTransient,
			Stack:     existing.Stack,
		}
	}

	return &Error{
		Kind:      kind,
		Component: component,
		Message:   message,
		Cause:     err,
		Retriable: kind == KindTransient,
		Stack:     captureStack(2),
	}
}

// WithRetriable overrides the derived retriability
func (e *Error) WithRetriable(retriable bool) *Error {
	e.Retriable = retriable
	return e
}

// IsRetriable returns true if the error can be retried
func IsRetriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retriable
}

// KindOf returns the kind of the error, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return KindInternal
	}
	return e.Kind
}

// IsKind checks if the error is of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsNotFound reports whether the error is a not-found error
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
