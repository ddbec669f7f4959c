package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError indicates an error that might be resolved by retrying.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps the given error as a RetryableError, adding a message.
func NewRetryable(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &RetryableError{Err: fmt.Errorf(format, allArgs...)}
}

// FatalError indicates an error that is unlikely to be resolved by retrying.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps the given error as a FatalError, adding a message.
func NewFatal(err error, message string, args ...interface{}) error {
	format := message + ": %w"
	allArgs := append(args, err)
	return &FatalError{Err: fmt.Errorf(format, allArgs...)}
}

// --- Standard Error Definitions ---

// Sentinel errors for the attribution pipeline. Check them with errors.Is; the
// typed errors below (UpstreamError, AuthFailure) match the matching sentinel.
var (
	// ErrNotFound indicates a requested row was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrNATS indicates a general NATS communication error.
	ErrNATS = errors.New("nats communication error")
	// ErrDuplicate indicates a unique constraint conflict.
	ErrDuplicate = errors.New("duplicate resource")
	// ErrBadRequest indicates a malformed request from the caller.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")
	// ErrRateLimited indicates an operation was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidIdentifier is returned for empty or malformed click identifiers.
	// Such identifiers are never stored.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrStoreCorrupted indicates the attribution store failed an integrity check.
	ErrStoreCorrupted = errors.New("attribution store corrupted")
	// ErrReadOnly is returned for writes attempted after the store was found corrupted.
	ErrReadOnly = errors.New("attribution store is read-only")
	// ErrAuthFailure indicates the upstream rejected the access token.
	ErrAuthFailure = errors.New("upstream authentication failed")
	// ErrTransientUpstream indicates a retryable upstream failure (5xx, network, throttling).
	ErrTransientUpstream = errors.New("transient upstream error")
	// ErrPermanentUpstream indicates a non-retryable upstream rejection.
	ErrPermanentUpstream = errors.New("permanent upstream error")
	// ErrUnsupportedProvider is returned when no resolver exists for a provider.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrPartial indicates a run finished but some rows ended in error.
	ErrPartial = errors.New("partial failure")
)

// --- Helper functions for checking ---

// IsRetryable checks if the error is a RetryableError or wraps one.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal checks if the error is a FatalError or wraps one.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

// IsNotFoundError checks if the error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if the error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDatabaseError checks if the error is or wraps ErrDatabase.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsInvalidIdentifier checks if the error is or wraps ErrInvalidIdentifier.
func IsInvalidIdentifier(err error) bool {
	return errors.Is(err, ErrInvalidIdentifier)
}

// IsStoreCorrupted checks if the error is or wraps ErrStoreCorrupted.
func IsStoreCorrupted(err error) bool {
	return errors.Is(err, ErrStoreCorrupted)
}

// IsAuthFailure reports whether err is an upstream authentication failure,
// either as a classified UpstreamError or a batch-level AuthFailure.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

// IsTransientUpstream checks if the error is or wraps ErrTransientUpstream.
func IsTransientUpstream(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}

// IsPermanentUpstream checks if the error is or wraps ErrPermanentUpstream.
func IsPermanentUpstream(err error) bool {
	return errors.Is(err, ErrPermanentUpstream)
}
