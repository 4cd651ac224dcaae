package provider

import (
	"errors"
	"fmt"
)

// ErrorType is the provider-neutral failure taxonomy surfaced by the
// adapter layer.
type ErrorType string

const (
	ErrorTypeAuth        ErrorType = "auth_error"     // invalid key, never retried
	ErrorTypeRateLimited ErrorType = "rate_limited"   // retried with longer backoff
	ErrorTypeTimeout     ErrorType = "timeout"        // retried
	ErrorTypeProvider    ErrorType = "provider_error" // 5xx / connection, retried
	ErrorTypeCircuitOpen ErrorType = "circuit_open"   // fail fast, no network call
)

// Error is a provider-neutral error carrying the taxonomy type, whether the
// failure is transient, and the original cause.
type Error struct {
	Type       ErrorType
	Provider   string
	Message    string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the adapter may retry after this error.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}

// TypeOf extracts the taxonomy type, or ErrorTypeProvider for foreign errors.
func TypeOf(err error) ErrorType {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}
	return ErrorTypeProvider
}

// NewAuthError creates a non-retryable authentication/validation error.
func NewAuthError(provider, message string, status int) *Error {
	return &Error{Type: ErrorTypeAuth, Provider: provider, Message: message, StatusCode: status}
}

// NewRateLimitError creates a retryable rate-limit error.
func NewRateLimitError(provider, message string) *Error {
	return &Error{Type: ErrorTypeRateLimited, Provider: provider, Message: message, Retryable: true, StatusCode: 429}
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(provider string, cause error) *Error {
	return &Error{Type: ErrorTypeTimeout, Provider: provider, Message: "request timed out", Retryable: true, Err: cause}
}

// NewProviderError creates a retryable upstream/server error.
func NewProviderError(provider, message string, status int, cause error) *Error {
	return &Error{Type: ErrorTypeProvider, Provider: provider, Message: message, Retryable: true, StatusCode: status, Err: cause}
}

// NewCircuitOpenError creates the fail-fast error returned while a
// provider's circuit is open.
func NewCircuitOpenError(provider string) *Error {
	return &Error{Type: ErrorTypeCircuitOpen, Provider: provider, Message: "circuit breaker is open"}
}
