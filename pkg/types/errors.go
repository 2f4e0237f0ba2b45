package types

import (
	"errors"
	"fmt"
)

var (
	ErrNoRouteFound           = errors.New("no route found")
	ErrQuoteExpired           = errors.New("quote expired")
	ErrUnsupportedActionShape = errors.New("unsupported action shape")
	ErrVenueValidationFailed  = errors.New("venue validation failed")
	ErrEncodingConfiguration  = errors.New("encoding configuration error")
	ErrSubmissionFailed       = errors.New("submission failed")
	ErrConfirmationTimeout    = errors.New("confirmation timeout")
	ErrUserCancelled          = errors.New("cancelled by user")

	ErrCannotCancel      = errors.New("cannot cancel, already submitted")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNothingToTrack    = errors.New("no transaction to track")
)

// ValidationError is a venue validation failure with a human readable reason
type ValidationError struct {
	Reason string
}

// NewValidationError creates a validation error
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrVenueValidationFailed, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrVenueValidationFailed
}

// RetryableError marks a transient failure (network, rate limit) that may be
// retried by re-invoking the same step
type RetryableError struct {
	Err error
}

// Retryable wraps err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient. Configuration errors never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrEncodingConfiguration) {
		return false
	}
	var re *RetryableError
	return errors.As(err, &re)
}

// JoinValidation folds a validation error list into one error, nil when empty
func JoinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
