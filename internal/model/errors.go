package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is a remote API failure.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable returns true for transient failures (timeouts, 429, 5xx).
func (e *ProviderError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NotFound returns true when the provider reported the resource as gone.
func (e *ProviderError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// ValidationError is a malformed or unauthenticated webhook delivery.
type ValidationError struct {
	Reason       string
	Unauthorized bool
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ChannelStateError means the persisted channel is missing or mismatched and must be re-created.
type ChannelStateError struct {
	Reason string
}

func (e *ChannelStateError) Error() string {
	return "channel state: " + e.Reason
}

// ConflictError rejects an operation that conflicts with one already running.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// NewProviderError wraps err as a ProviderError.
func NewProviderError(provider, op string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, StatusCode: status, Err: err}
}

// IsNotFound returns true if err is a ProviderError reporting a missing resource.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.NotFound()
}

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict returns true if err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsChannelState returns true if err is a ChannelStateError.
func IsChannelState(err error) bool {
	var ce *ChannelStateError
	return errors.As(err, &ce)
}
