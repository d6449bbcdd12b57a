// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"errors"
	"fmt"
)

// Kind discriminates AMTP errors. The SDK uses a single error type tagged
// with a kind instead of a type hierarchy; callers branch on the kind via
// the Is* predicates or errors.Is against a kind-only *Error.
type Kind string

// Error kinds.
const (
	// KindValidation covers malformed addresses, missing required message
	// fields and schema conformance failures.
	KindValidation Kind = "validation"

	// KindSchemaConflict is returned when a schema ID is re-registered
	// with a different definition.
	KindSchemaConflict Kind = "schema_conflict"

	// KindSchemaNotFound is returned when a referenced schema ID is not
	// registered.
	KindSchemaNotFound Kind = "schema_not_found"

	// KindResolution covers DNS and discovery failures while resolving a
	// domain to its gateway.
	KindResolution Kind = "resolution"

	// KindTransport covers network-level failures talking to a gateway.
	// Transient transport errors are retried by the delivery engine;
	// permanent ones surface immediately.
	KindTransport Kind = "transport"

	// KindNotRunning is returned when an operation requires a running
	// client connection.
	KindNotRunning Kind = "not_running"

	// KindRetriesExhausted is returned when a delivery fails after the
	// configured number of transmission attempts.
	KindRetriesExhausted Kind = "retries_exhausted"
)

// Error is the single error variant used across the SDK, discriminated by
// Kind and carrying an optional structured details map.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// Transient is meaningful for KindTransport only: transient failures
	// trigger retry, permanent ones do not.
	Transient bool

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("amtp: %s: %s: %v", e.Kind, e.Message, e.cause)
	default:
		return fmt.Sprintf("amtp: %s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind, so
// errors.Is(err, &Error{Kind: KindValidation}) works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError creates an error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// ValidationError creates a KindValidation error with optional details.
func ValidationError(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// SchemaConflictError creates a KindSchemaConflict error for id.
func SchemaConflictError(id string) *Error {
	return &Error{
		Kind:    KindSchemaConflict,
		Message: "schema already registered with a different definition",
		Details: map[string]any{"schema_id": id},
	}
}

// SchemaNotFoundError creates a KindSchemaNotFound error for id.
func SchemaNotFoundError(id string) *Error {
	return &Error{
		Kind:    KindSchemaNotFound,
		Message: "schema not registered",
		Details: map[string]any{"schema_id": id},
	}
}

// ResolutionError creates a KindResolution error for domain wrapping cause.
func ResolutionError(domain string, cause error) *Error {
	return &Error{
		Kind:    KindResolution,
		Message: "gateway discovery failed",
		Details: map[string]any{"domain": domain},
		cause:   cause,
	}
}

// TransientTransportError creates a retryable KindTransport error.
func TransientTransportError(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Transient: true, cause: cause}
}

// PermanentTransportError creates a non-retryable KindTransport error.
func PermanentTransportError(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, cause: cause}
}

// NotRunningError creates a KindNotRunning error naming the current state.
func NotRunningError(state string) *Error {
	return &Error{
		Kind:    KindNotRunning,
		Message: "client is not running",
		Details: map[string]any{"state": state},
	}
}

// RetriesExhaustedError creates a KindRetriesExhausted error wrapping the
// last transmission failure.
func RetriesExhaustedError(attempts int, cause error) *Error {
	return &Error{
		Kind:    KindRetriesExhausted,
		Message: fmt.Sprintf("delivery failed after %d attempts", attempts),
		Details: map[string]any{"attempts": attempts},
		cause:   cause,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsSchemaConflict reports whether err is a schema conflict error.
func IsSchemaConflict(err error) bool { return IsKind(err, KindSchemaConflict) }

// IsSchemaNotFound reports whether err is a schema lookup miss.
func IsSchemaNotFound(err error) bool { return IsKind(err, KindSchemaNotFound) }

// IsResolution reports whether err is a discovery failure.
func IsResolution(err error) bool { return IsKind(err, KindResolution) }

// IsNotRunning reports whether err is a not-running error.
func IsNotRunning(err error) bool { return IsKind(err, KindNotRunning) }

// IsRetriesExhausted reports whether err is a retries-exhausted error.
func IsRetriesExhausted(err error) bool { return IsKind(err, KindRetriesExhausted) }

// IsTransient reports whether err is a transport error that should be
// retried.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransport && e.Transient
}
