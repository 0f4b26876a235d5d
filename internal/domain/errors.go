package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotPending is returned when claiming a job that is not in
	// PENDING status. The attempt must abort rather than double-process.
	ErrJobNotPending = errors.New("job is not in pending status")

	// ErrJobNotProcessing is returned when a terminal write finds the job no
	// longer in PROCESSING status, typically because it was cancelled
	// mid-attempt.
	ErrJobNotProcessing = errors.New("job is not in processing status")
)

// ValidationError reports a rejected input, scoped to a single field.
// It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// TransientError wraps a failure that is expected to succeed on retry, such
// as a network blip or a 5xx from the provider or the object store. Source
// identifies which dependency failed.
type TransientError struct {
	Source string // "provider" or "storage"
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %s", e.Source, e.Err.Error())
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientProviderError wraps a transient inference provider failure.
func NewTransientProviderError(err error) error {
	return &TransientError{Source: "provider", Err: err}
}

// NewTransientStorageError wraps a transient object storage failure.
func NewTransientStorageError(err error) error {
	return &TransientError{Source: "storage", Err: err}
}

// ProviderError reports that the inference provider explicitly rejected or
// failed the run. The gateway does not retry it, but the job itself remains
// retry-eligible as a fresh attempt, up to its ceiling.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

// AttemptRetryable reports whether an attempt failure should count against
// the job-level retry ceiling instead of failing the job outright. Transient
// network/storage failures and terminal provider failures both qualify; any
// other error is fatal to the job with no retry-count increment.
func AttemptRetryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var provider *ProviderError
	return errors.As(err, &provider)
}
