// Package errors is herald's error package.
//
// It re-exports github.com/cockroachdb/errors so every package wraps, annotates
// and inspects errors the same way:
//
//	if err := store.Insert(ctx, job); err != nil {
//	    return errors.Wrapf(err, "failed to register schedule for %s", wf.ID)
//	}
//
//	return errors.WithHint(err, "check dispatch.webhook.url")
//
// Domain code declares sentinels here and wraps them for context; callers
// check with errors.Is / errors.As.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection
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

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf marks an error as a programming bug.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinels shared across packages. Wrap them to add context.
var (
	// ErrNotFound indicates the requested job, workflow or record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad schedule spec, empty reason, ...)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the record changed underneath the caller
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrUnavailable indicates a collaborator (channel, provider, store) is not configured or reachable
	ErrUnavailable = New("service unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
