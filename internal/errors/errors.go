// Package errors defines the error taxonomy shared across the mesh services.
package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrValidation        = errors.New("validation failed")
	ErrExternalService   = errors.New("external service error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternal          = errors.New("internal error")
)

// Kind categorizes an error for transport mapping.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindExternal          Kind = "external"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal"
)

// Error is a structured error carrying the failed operation and its category.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "adjudicate", "ingest_alerts"
	Ref  string // identifier of the record involved, if any
	Err  error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps structured errors back onto the base sentinel types so callers can
// use errors.Is without knowing about Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidTransition:
		return e.Kind == KindInvalidTransition
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrExternalService:
		return e.Kind == KindExternal
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	}
	return errors.Is(e.Err, target)
}

// NotFound wraps err as a not-found error for the given record reference.
func NotFound(op, ref string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Ref: ref, Err: ErrNotFound}
}

// InvalidTransition describes a rejected status change.
func InvalidTransition(op string, from, to string) *Error {
	return &Error{
		Kind: KindInvalidTransition,
		Op:   op,
		Err:  fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to),
	}
}

// Validation wraps a malformed-input failure.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("%w: %v", ErrValidation, err)}
}

// External wraps a failed or timed-out call to an external collaborator.
func External(op string, err error) *Error {
	return &Error{Kind: KindExternal, Op: op, Err: fmt.Errorf("%w: %v", ErrExternalService, err)}
}

// Unauthorized flags a rejected credential.
func Unauthorized(op, reason string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Err: fmt.Errorf("%w: %s", ErrUnauthorized, reason)}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrExternalService):
		return KindExternal
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	}
	return KindInternal
}
