// Package apperr defines the service-wide error taxonomy. Every recoverable
// failure crossing a service boundary is wrapped in an *Error carrying a
// machine-readable kind, which the API layer maps to an HTTP status.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class surfaced to callers.
type Kind string

const (
	Invalid          Kind = "invalid"
	Unauthorized     Kind = "unauthorized"
	Forbidden        Kind = "forbidden"
	NotFound         Kind = "not_found"
	LimitReached     Kind = "limit_reached"
	ModelUnavailable Kind = "model_unavailable"
	IndexBuildError  Kind = "index_build_error"
	BackendError     Kind = "backend_error"
	Conflict         Kind = "conflict"
	ModelInUse       Kind = "model_in_use"
	Internal         Kind = "internal"
)

// Error pairs a kind with a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a kinded error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the human-readable message for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
