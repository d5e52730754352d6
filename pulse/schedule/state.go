package schedule

import (
	"strings"
	"time"
)

// Outcome aggregates a run's per-recipient dispatch results.
type Outcome struct {
	Steps        int `json:"steps"`
	Recipients   int `json:"recipients"`
	Dispatched   int `json:"dispatched"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	FallbackUsed int `json:"fallback_used"`
	// Unresolved counts (step, recipient) pairs never attempted.
	Unresolved int `json:"unresolved"`
}

// TransitionContext carries what a transition needs besides the target status.
type TransitionContext struct {
	Now time.Time
	// ErrorMessage is required for failed and cancelled targets.
	ErrorMessage string
	// Outcome is required for the completed target.
	Outcome *Outcome
	// Recovery marks sweeper-forced failures; only these may fail a pending job.
	Recovery bool
}

// CanTransition reports whether from -> to is an edge of the state machine,
// ignoring guards. pending -> failed is a recovery-only edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Transition returns a copy of job moved to status to, or an
// *IllegalTransitionError. The input job is never modified.
//
//	pending -> running     executedAt must be unset; sets executedAt
//	running -> completed   needs an outcome with zero unresolved; sets completedAt
//	running -> failed      needs errorMessage; retryCount++; sets failedAt
//	pending -> cancelled   needs errorMessage (the cause)
//	pending -> failed      recovery only; needs errorMessage; sets failedAt
func Transition(job *ScheduledJob, to Status, tc TransitionContext) (*ScheduledJob, error) {
	illegal := func(reason string) error {
		return &IllegalTransitionError{JobID: job.ID, From: job.Status, To: to, Reason: reason}
	}

	if job.Status.IsTerminal() {
		return nil, illegal("job is terminal")
	}
	if !CanTransition(job.Status, to) {
		return nil, illegal("")
	}

	if tc.Now.IsZero() {
		return nil, illegal("transition time not provided")
	}
	now := tc.Now.UTC()
	reason := strings.TrimSpace(tc.ErrorMessage)

	next := job.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch {
	case job.Status == StatusPending && to == StatusRunning:
		if job.ExecutedAt != nil {
			return nil, illegal("job was already executed")
		}
		next.ExecutedAt = &now

	case job.Status == StatusRunning && to == StatusCompleted:
		if tc.Outcome == nil {
			return nil, illegal("no dispatch outcome")
		}
		if tc.Outcome.Unresolved > 0 {
			return nil, illegal("outcome has unresolved recipients")
		}
		next.CompletedAt = &now

	case job.Status == StatusRunning && to == StatusFailed:
		if reason == "" {
			return nil, illegal("error message required")
		}
		next.RetryCount++
		next.FailedAt = &now
		next.ErrorMessage = reason

	case job.Status == StatusPending && to == StatusCancelled:
		if reason == "" {
			return nil, illegal("cancellation reason required")
		}
		next.ErrorMessage = reason

	case job.Status == StatusPending && to == StatusFailed:
		if !tc.Recovery {
			return nil, illegal("pending jobs fail only through recovery")
		}
		if reason == "" {
			return nil, illegal("error message required")
		}
		next.FailedAt = &now
		next.ErrorMessage = reason
	}

	return next, nil
}
