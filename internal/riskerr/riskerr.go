// Package riskerr defines the error-kind taxonomy shared across the risk
// engine's components, independent of transport.
package riskerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch without string matching.
type Kind string

const (
	InvalidInput         Kind = "invalid_input"
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	Transient            Kind = "transient"
	IntegrityBreach      Kind = "integrity_breach"
	RuleValidationFailed Kind = "rule_validation_failed"
)

// Error wraps an underlying cause with a Kind for transport-independent
// propagation. The hot-path risk engine never returns one of these on
// state-store failures; it fails open instead (see riskengine.Engine.Evaluate).
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Transient for unclassified
// errors so the HTTP layer never leaks an internal 500 where a typed error
// was simply not constructed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
