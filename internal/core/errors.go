package core

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error so the control socket layer can map it to
// a stable error code in its JSON response without string-matching messages.
type Kind string

const (
	// KindNotFound: referenced app, instance, or route does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict: the requested change would violate a registry
	// invariant (duplicate route, duplicate port, duplicate app name).
	KindConflict Kind = "conflict"
	// KindInvalidArgument: the request itself is malformed or out of
	// range (bad instance count, missing command, empty route list).
	KindInvalidArgument Kind = "invalid_argument"
	// KindTimeout: an operation exceeded its deadline (startup probe,
	// rolling-update batch wait, drain grace period).
	KindTimeout Kind = "timeout"
	// KindUnhealthy: an operation could not proceed because the
	// affected instance(s) never became healthy.
	KindUnhealthy Kind = "unhealthy"
	// KindIO: a filesystem or process-control syscall failed.
	KindIO Kind = "io"
	// KindProtocol: the control socket received a line that could not
	// be parsed as the expected command shape.
	KindProtocol Kind = "protocol"
	// KindInternal: an invariant the server itself is responsible for
	// was violated; always a bug, never a caller error.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As without parsing message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error with no wrapped cause.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that wraps an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, returning KindInternal if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
