// Package errs defines the error kinds surfaced by the session broker.
//
// Every error that crosses a component boundary carries a stable Kind and a
// human-readable detail. Transport layers map kinds to status codes; callers
// branch on kinds with Is or KindOf instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// NotFound means the referenced session does not exist.
	NotFound Kind = "not_found"
	// InvalidState means the operation is not valid for the session's current state.
	InvalidState Kind = "invalid_state"
	// Busy means a relay is already in flight for the session.
	Busy Kind = "busy"
	// CapacityExceeded means the per-session connection cap was reached.
	CapacityExceeded Kind = "capacity_exceeded"
	// ProvisionError means the environment provisioner failed.
	ProvisionError Kind = "provision_error"
	// GeneratorError means the external generator failed at open or mid-stream.
	GeneratorError Kind = "generator_error"
	// TransportError means a send to a connection failed or timed out.
	TransportError Kind = "transport_error"
	// Unauthorized means the request lacked valid credentials.
	Unauthorized Kind = "unauthorized"
	// Internal covers everything else (storage failures, bugs).
	Internal Kind = "internal"
)

// Error is an error with a Kind, a detail message, and an optional cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the detail if set, otherwise the cause's message.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// New returns an error of the given kind with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal
// when there is none. KindOf(nil) returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns a human-readable message for err suitable for clients.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
