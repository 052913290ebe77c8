// Package errors provides error handling for Jarvis.
//
// This package re-exports github.com/cockroachdb/errors (stack traces,
// wrapping, hints and details) and adds the classification the pulse
// pipeline relies on: every failure that reaches the scheduler is either
// transient (retry the window) or permanent (mark it failed).
//
// Usage:
//
//	if err := store.UpsertResult(ctx, res); err != nil {
//	    return errors.MarkTransient(errors.Wrap(err, "failed to persist result"))
//	}
//
//	if errors.IsPermanent(err) {
//	    // no retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithStack   = crdb.WithStack
	WithMessage = crdb.WithMessage
	Join        = crdb.Join
	Mark        = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a backend is not reachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// Pipeline classification markers.
var (
	// ErrTransient marks a failure worth retrying (backend timeout, 5xx, empty response, write failure)
	ErrTransient = New("transient failure")

	// ErrPermanent marks a failure that must not be retried
	ErrPermanent = New("permanent failure")

	// ErrInvariantViolation indicates corrupted persisted state; startup must abort
	ErrInvariantViolation = New("invariant violation")

	// ErrLateFragment indicates a fragment arrived after every window it could join closed
	ErrLateFragment = New("late fragment")
)

// MarkTransient tags err as retryable. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransient)
}

// MarkPermanent tags err as not retryable. A nil err stays nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrPermanent)
}

// IsPermanent reports whether err carries the permanent marker or is an invariant violation.
func IsPermanent(err error) bool {
	return err != nil && (Is(err, ErrPermanent) || Is(err, ErrInvariantViolation))
}

// IsTransient reports whether err should be retried.
// Unclassified errors are transient: a backend that misbehaves in an
// unexpected way gets the retry budget before the window is failed.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvariantViolation creates an invariant-violation error with a formatted message
func NewInvariantViolation(format string, args ...interface{}) error {
	return Wrap(ErrInvariantViolation, Newf(format, args...).Error())
}
