package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure taxonomy. Pipeline stages wrap one of these sentinels so callers
// branch on errors.Is instead of string matching. An empty search result is
// not a failure anywhere in the system; it is a valid empty slice.
var (
	// ErrTransient marks network, timeout, and rate-limit failures that are
	// worth retrying with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrSizeViolation marks input exceeding a model or store limit. Never
	// retried; the offending unit is named in the wrapping error.
	ErrSizeViolation = errors.New("size limit exceeded")

	// ErrSchemaMismatch marks vector dimensionality or embedding model
	// version disagreement. Fatal for the run or query that hits it.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// Sentinel errors for validation failures.
var (
	ErrEmptyQuery      = errors.New("query is empty")
	ErrQueryTooShort   = errors.New("query too short")
	ErrQueryTooLong    = errors.New("query too long")
	ErrInvalidEncoding = errors.New("query is not valid UTF-8")
	ErrInvalidURL      = errors.New("invalid source URL")
	ErrEmptyChunk      = errors.New("chunk has no text")
	ErrMissingField    = errors.New("required field missing")
)

// ValidationError wraps a sentinel with context.
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

// Retryable reports whether err is a transient failure worth another
// attempt. Cancellation is never retryable; a deadline blown on a single
// call is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrSizeViolation) || errors.Is(err, ErrSchemaMismatch) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
