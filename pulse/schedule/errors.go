package schedule

import (
	"fmt"

	"github.com/teranos/herald/errors"
)

// StoreError reports that the job store was unreachable or rejected an
// operation. Callers must not assume any part of the write succeeded.
type StoreError struct {
	Op    string
	JobID string
	Err   error
}

func (e *StoreError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job store %s (job %s): %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, jobID string, err error) error {
	return &StoreError{Op: op, JobID: jobID, Err: errors.WithStack(err)}
}

// IsStoreError reports whether err is or wraps a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IllegalTransitionError signals a logic bug: the requested transition is not
// part of the state machine. It is never retried.
type IllegalTransitionError struct {
	JobID  string
	From   Status
	To     Status
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition %s -> %s for job %s", e.From, e.To, e.JobID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsIllegalTransition reports whether err is or wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// ResolutionError means the job could not determine what to send: the
// snapshot is missing or recipient resolution failed. The job fails as a whole.
type ResolutionError struct {
	JobID string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution failed for job %s: %v", e.JobID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
