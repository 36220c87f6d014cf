// Package xyerrors defines the error kinds used across XyPriss (spec §7):
// ValidationError, TransientError, TimeoutError, IntegrityError,
// CapacityError and FatalError, as Kind values on a single Error type that
// wraps an optional underlying cause. The Kind carries the classification
// that the propagation policy (handler -> 500, task pool -> submitter,
// cache -> never) depends on; github.com/pkg/errors is used for As and for
// wrapping errors that carry no Kind.
package xyerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error per spec §7. It is never used for control flow
// across component boundaries that spec §7 says must not propagate (cache
// errors, for instance) — those are swallowed at the call site instead.
type Kind int

const (
	// KindUnknown is the zero value; never assign it deliberately.
	KindUnknown Kind = iota
	// KindValidation: input rejected before execution. Never retried.
	KindValidation
	// KindTransient: Redis disconnection, worker crash, IPC blip. Retried
	// per component policy; surfaced only once retries exhaust.
	KindTransient
	// KindTimeout: operation exceeded its deadline.
	KindTimeout
	// KindIntegrity: cryptographic check failed or a lifecycle contract was
	// violated. Logged at high severity; never returned as cache data.
	KindIntegrity
	// KindCapacity: backpressure — concurrency cap, full queue, memory
	// pressure. Surfaced immediately.
	KindCapacity
	// KindFatal: unrecoverable. Triggers coordinated shutdown.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged wrapper around an underlying cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap lets errors.Is / errors.As see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) error { return newf(KindValidation, nil, format, args...) }

// Transient builds a KindTransient error wrapping cause.
func Transient(cause error, format string, args ...any) error {
	return newf(KindTransient, cause, format, args...)
}

// Timeout builds a KindTimeout error.
func Timeout(format string, args ...any) error { return newf(KindTimeout, nil, format, args...) }

// Integrity builds a KindIntegrity error wrapping cause.
func Integrity(cause error, format string, args ...any) error {
	return newf(KindIntegrity, cause, format, args...)
}

// Capacity builds a KindCapacity error.
func Capacity(format string, args ...any) error { return newf(KindCapacity, nil, format, args...) }

// Fatal builds a KindFatal error wrapping cause.
func Fatal(cause error, format string, args ...any) error {
	return newf(KindFatal, cause, format, args...)
}

// As reports whether err (or something it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the Kind of err, or KindUnknown if err isn't an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// Retryable reports whether a given error kind is retried by component
// policy per spec §7: transient and timeout errors are retryable,
// everything else is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Wrap attaches additional context to err while preserving its Kind. An err
// that carries no Kind is wrapped with github.com/pkg/errors, which captures
// a stack trace at the wrap site; a kinded *Error is rebuilt with the
// prefixed message and no stack trace.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return &Error{kind: e.kind, message: message + ": " + e.message, cause: e.cause}
	}
	return errors.Wrap(err, message)
}
