package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the service error taxonomy. HTTP handlers map these
// to status codes; the background pipeline maps them to log-and-skip or
// log-and-retry behavior.
var (
	// ErrSchema marks malformed or invalid payloads (HTTP 400).
	ErrSchema = errors.New("invalid payload")
	// ErrAuth marks signature verification failures (HTTP 401).
	ErrAuth = errors.New("signature verification failed")
	// ErrBackpressure marks a saturated ingest queue (HTTP 503).
	ErrBackpressure = errors.New("ingest queue full")
	// ErrDimensionMismatch marks an embedding whose length disagrees with the
	// collection's configured dimension. Always fails loudly before any write.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrUnknownEventType marks an unrecognized webhook event type. Handlers
	// log and skip it for forward compatibility.
	ErrUnknownEventType = errors.New("unknown event type")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
