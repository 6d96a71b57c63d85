// Package errors provides structured error handling with failure
// classification and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises a failure for containment decisions, metrics and
// response formatting.
type Kind string

const (
	// KindTransport indicates a connect or send failure (HTTP 503).
	// Retried with backoff up to a cap, then terminal.
	KindTransport Kind = "transport"
	// KindValidation indicates a malformed or empty input file or
	// message (HTTP 400). Skipped and logged, never process-fatal.
	KindValidation Kind = "validation"
	// KindOverflow indicates a bounded queue dropped its oldest entry.
	KindOverflow Kind = "overflow"
	// KindUpstream indicates the gateway cannot reach a backend
	// (HTTP 502). Surfaced only to the affected inbound connection.
	KindUpstream Kind = "upstream_unavailable"
	// KindInternal indicates an unexpected local fault (HTTP 500).
	KindInternal Kind = "internal"
)

// Error is a classified error with optional cause and context fields.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// TransportError creates a transport-level error.
func TransportError(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Cause: cause, Context: make(map[string]any)}
}

// ValidationError creates a validation error for malformed input.
func ValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Context: make(map[string]any)}
}

// OverflowError creates an error recording a bounded-queue drop.
func OverflowError(message string) *Error {
	return &Error{Kind: KindOverflow, Message: message, Context: make(map[string]any)}
}

// UpstreamError creates an upstream-unavailable error.
func UpstreamError(message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Cause: cause, Context: make(map[string]any)}
}

// InternalError creates an internal error wrapping an unexpected fault.
func InternalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause, Context: make(map[string]any)}
}

// KindOf classifies an arbitrary error, returning KindInternal for
// anything that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorResponse is the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Kind    Kind           `json:"kind"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Kind:    e.Kind,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error it is returned unchanged, otherwise it
// is wrapped as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
