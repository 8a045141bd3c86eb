package model

import (
	"errors"
	"fmt"
	"time"
)

type (
	// RateLimitError reports that the provider is throttling requests. It is
	// retryable after the provider-specified delay; runners translate SDK
	// throttling errors into this type so thread retry logic stays
	// provider-agnostic.
	RateLimitError struct {
		// RetryIn is the provider-specified delay before the next attempt.
		RetryIn time.Duration
		// Metadata holds provider throttling details, typically the
		// provider's ratelimit response headers.
		Metadata map[string]string
		// Cause is the underlying SDK error.
		Cause error
	}

	// ConnectionError reports a transient network failure while opening a
	// provider call. Retryable after a short fixed delay.
	ConnectionError struct {
		// Message describes the failure.
		Message string
		// Cause is the underlying SDK error.
		Cause error
	}

	// ProtocolError reports that a provider emitted a structurally impossible
	// event sequence (for example a content delta while no block is open).
	// It indicates an adapter/provider mismatch: fatal, never retried.
	ProtocolError struct {
		// Provider identifies the offending adapter.
		Provider string
		// Message describes the violation.
		Message string
	}
)

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryIn)
}

// Unwrap returns the underlying provider error.
func (e *RateLimitError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("connection error: %s", e.Message)
	}
	return "connection error"
}

// Unwrap returns the underlying provider error.
func (e *ConnectionError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol violation: %s", e.Provider, e.Message)
}

// AsRateLimit returns the first RateLimitError in err's chain, if any.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// AsConnection returns the first ConnectionError in err's chain, if any.
func AsConnection(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
