// Package gatewayerr defines the closed error taxonomy shared across the
// event streaming core. Every component that can fail reports one of these
// kinds so the HTTP Surface can translate failures to status codes (see
// httpapi) without inspecting backend-specific error types.
package gatewayerr

import "fmt"

// Kind identifies a taxonomy bucket. Kinds are deliberately coarse: they
// drive error-to-status-code translation and propagation policy, not
// detailed diagnostics (those belong in the wrapped Cause and in logs).
type Kind string

const (
	// UnknownThread means a thread ID failed Thread Registry validation.
	UnknownThread Kind = "unknown_thread"
	// ClientDisconnected means the SSE client went away mid-session.
	ClientDisconnected Kind = "client_disconnected"
	// TimeoutExceeded means a session-level timeout fired (await-log poll,
	// business-inactivity monitor, or absolute connection duration).
	TimeoutExceeded Kind = "timeout_exceeded"
	// LogBackendError means the Event Log storage is unavailable or
	// returned a protocol violation.
	LogBackendError Kind = "log_backend_error"
	// NotifierBackendError means the Notifier storage/transport is
	// unavailable or returned a protocol violation.
	NotifierBackendError Kind = "notifier_backend_error"
	// ParseError means a single stored log entry failed to decode. Callers
	// recover locally: emit an error frame and continue with the next
	// position.
	ParseError Kind = "parse_error"
	// BusinessError means Publisher's terminal-result side effect failed.
	// Logged and swallowed; must never abort the publish.
	BusinessError Kind = "business_error"
	// Internal is the catch-all for anything not otherwise classified.
	Internal Kind = "internal"
	// Malformed means the caller's request could not be parsed or failed
	// validation.
	Malformed Kind = "malformed"
)

// Error is the taxonomy error type. It wraps an optional underlying cause
// so callers can use errors.Is/errors.As against both the Kind (via Is) and
// the original error (via Unwrap).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, gatewayerr.New(kind, "")) by comparing Kind,
// so callers can test for a taxonomy bucket without caring about Message
// or Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of returns the Kind of err if it is (or wraps) a *Error, and ok=true.
// For any other non-nil err it returns Internal and ok=false; for a nil
// err it returns "" and ok=false.
func Of(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var gwErr *Error
	if e, ok := err.(*Error); ok {
		gwErr = e
	} else if as, ok := unwrapTo(err); ok {
		gwErr = as
	}
	if gwErr == nil {
		return Internal, false
	}
	return gwErr.Kind, true
}

func unwrapTo(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
