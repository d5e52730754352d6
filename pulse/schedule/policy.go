package schedule

import "time"

// Cancellation reasons recorded in errorMessage.
const (
	ReasonSuperseded  = "superseded by new schedule"
	ReasonTimeChanged = "time changed"
	ReasonDeactivated = "workflow deactivated"
)

// Cancellation is one planned pending -> cancelled transition.
type Cancellation struct {
	Job    *ScheduledJob
	Reason string
}

// Plan is the decision of Reconcile. It performs nothing by itself; the store
// applies it atomically.
type Plan struct {
	ToCreate *ScheduledJob
	ToCancel []Cancellation
	// Duplicate is the active job that made creating ToCreate unnecessary.
	Duplicate *ScheduledJob
	// InFlight are running jobs the plan would have cancelled; running jobs
	// cannot be cancelled, they finish or time out.
	InFlight []*ScheduledJob
}

// Reconcile decides how newJob fits next to the workflow's existing active
// jobs. A nil newJob means the workflow is no longer active: every active job
// is cancelled and nothing is created.
//
// Recurring: pending jobs are superseded. While a run is in flight nothing is
// created and the running job is reported as the duplicate; the next
// occurrence is registered when that run ends.
// One-shot: an active job at the same second makes newJob a duplicate and
// nothing changes; otherwise older times are cancelled and newJob is created.
func Reconcile(workflowID string, newJob *ScheduledJob, existing []*ScheduledJob) Plan {
	var active []*ScheduledJob
	for _, j := range existing {
		if j.WorkflowID == workflowID && j.Status.IsActive() {
			active = append(active, j)
		}
	}

	if newJob == nil {
		return cancelAll(active, ReasonDeactivated)
	}

	if newJob.IsRecurring() {
		plan := cancelAll(active, ReasonSuperseded)
		if len(plan.InFlight) > 0 {
			plan.Duplicate = plan.InFlight[0]
			return plan
		}
		plan.ToCreate = newJob
		return plan
	}

	want := newJob.ScheduledAt.Truncate(time.Second)
	for _, j := range active {
		if j.ScheduledAt.Truncate(time.Second).Equal(want) {
			return Plan{Duplicate: j}
		}
	}

	plan := cancelAll(active, ReasonTimeChanged)
	plan.ToCreate = newJob
	return plan
}

// CancelAll plans cancelling every active job of workflowID with reason.
func CancelAll(workflowID string, existing []*ScheduledJob, reason string) Plan {
	var active []*ScheduledJob
	for _, j := range existing {
		if j.WorkflowID == workflowID && j.Status.IsActive() {
			active = append(active, j)
		}
	}
	return cancelAll(active, reason)
}

func cancelAll(active []*ScheduledJob, reason string) Plan {
	var plan Plan
	for _, j := range active {
		if j.Status == StatusRunning {
			plan.InFlight = append(plan.InFlight, j)
			continue
		}
		plan.ToCancel = append(plan.ToCancel, Cancellation{Job: j, Reason: reason})
	}
	return plan
}

// ReconcileResult is what applying a Plan actually changed.
type ReconcileResult struct {
	Created   *ScheduledJob
	Cancelled []*ScheduledJob
	Duplicate *ScheduledJob
	InFlight  []*ScheduledJob
}
