package domain

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Compare with errors.Is.
var (
	// ErrConnectivity means the terminal or the store could not be reached,
	// timed out, or refused the credentials. Retried, then the tick is skipped.
	ErrConnectivity = errors.New("connectivity failure")

	// ErrValidation marks a malformed record from the source. The record is
	// dropped and the tick continues.
	ErrValidation = errors.New("validation failure")

	// ErrConflict is a uniqueness violation on trade insert. Callers treat it
	// as an already-recorded event.
	ErrConflict = errors.New("conflict failure")

	// ErrFatal is raised when the bridge cannot build a safe baseline at
	// startup. It is the only failure that escapes the main loop.
	ErrFatal = errors.New("fatal failure")
)

// Specific validation failures.
var (
	ErrTicketReused    = fmt.Errorf("%w: ticket reappeared after close", ErrValidation)
	ErrDuplicateTicket = fmt.Errorf("%w: duplicate ticket in snapshot", ErrValidation)
)

// Connectivity wraps err as a connectivity failure for operation op.
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
}

// Validation builds a validation failure for operation op.
func Validation(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrValidation, fmt.Sprintf(format, args...))
}

// Fatal wraps err as a fatal failure for operation op.
func Fatal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrFatal, err)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// IsRetryable reports whether another attempt of the same call could succeed.
// Per-attempt deadlines are retryable; cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsValidation(err), IsConflict(err), IsFatal(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
