// Package errs defines the aggregator's error-kind taxonomy (spec §7).
// Every failure surfaced across a component boundary carries one of these
// kinds so callers (the orchestrator, in particular) can map it to a
// structured `run`/`find` response without string-matching messages.
package errs

import "fmt"

// Kind is one of the taxonomy's error kinds.
type Kind string

const (
	// InvalidArgument is a malformed caller input (bad tool identifier,
	// out-of-range page, etc).
	InvalidArgument Kind = "invalid_argument"
	// NotFound is a referenced downstream or tool absent from the current
	// profile or index.
	NotFound Kind = "not_found"
	// Unavailable is a downstream in cooldown or unreachable.
	Unavailable Kind = "unavailable"
	// Timeout is a deadline exceeded while awaiting a downstream reply.
	Timeout Kind = "timeout"
	// Upstream is a downstream structured error or non-transient transport
	// failure; the original payload is preserved on the Error.
	Upstream Kind = "upstream"
	// NeedsConfirmation is a gate interception of a mutating call.
	NeedsConfirmation Kind = "needs_confirmation"
	// Fatal is a configuration or integrity violation preventing further
	// progress.
	Fatal Kind = "fatal"
)

// Error is the aggregator's structured error type. Message is always
// human-readable; RetryAfter and Payload carry machine-readable detail used by
// the orchestrator to populate `retry_after_seconds`, `required_parameters`,
// or the forwarded downstream payload.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter float64 // seconds; populated for Unavailable
	Payload    any     // forwarded downstream payload, for Upstream
	cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping cause, using cause's
// message as the human-readable text.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// WithRetryAfter sets the retry hint (seconds) and returns the receiver for
// chaining.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

// WithPayload attaches a forwarded downstream payload and returns the
// receiver for chaining.
func (e *Error) WithPayload(payload any) *Error {
	e.Payload = payload
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Fatal as the safe default for an unclassified
// failure.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// As is a thin wrapper so callers in this package's tests don't need to
// import errors separately; delegates to the standard library.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
