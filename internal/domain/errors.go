package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput signals a malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCircuitOpen signals that a provider breaker is open and the call was not attempted.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrProviderTimeout signals that the wrapped call exceeded its time box.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrCallerCanceled signals that the caller went away before the provider answered.
	ErrCallerCanceled = errors.New("caller canceled")
	// ErrProviderError signals a provider failure.
	ErrProviderError = errors.New("provider error")

	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrQuotaExceeded signals an exhausted usage quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrCostLimitExceeded signals a spend ceiling hit.
	ErrCostLimitExceeded = errors.New("cost limit exceeded")

	// ErrSafetyViolation signals content rejected by the safety classifier.
	ErrSafetyViolation = errors.New("safety violation")
)

// ProviderError wraps ErrProviderError with the upstream status code, when known.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s returned %d: %v", ErrProviderError.Error(), e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrProviderError.Error(), e.Provider, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ProviderError) Unwrap() []error { return []error{ErrProviderError, e.Err} }

// Retryable reports whether the failure is transient (timeout, 5xx, 429).
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
