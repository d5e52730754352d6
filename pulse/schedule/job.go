// Package schedule persists time-based send jobs and owns their lifecycle:
// the state machine, the due-job selector, the dedup/cancellation policy and
// the recovery sweeper all live here, over one job table.
package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/herald/campaign"
)

// Status of a scheduled job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether s counts towards a workflow's active schedules.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// DefaultMaxRetries bounds how often a failed job may be re-queued.
const DefaultMaxRetries = 3

// Clock returns the current instant. Business logic never reads the wall clock directly.
type Clock func() time.Time

// SystemClock is the production Clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// ScheduledJob is one planned firing of a workflow.
type ScheduledJob struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Snapshot    *campaign.Snapshot    `json:"workflow_snapshot,omitempty"`
	Kind        campaign.ScheduleKind `json:"schedule_kind"`
	ScheduledAt time.Time             `json:"scheduled_at"`
	Status      Status                `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewJob creates a pending job for snapshot firing at scheduledAt.
// scheduledAt is truncated to whole seconds, the resolution of duplicate detection.
func NewJob(snapshot *campaign.Snapshot, scheduledAt, now time.Time, maxRetries int) *ScheduledJob {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now = now.UTC()
	return &ScheduledJob{
		ID:          "SJ_" + uuid.NewString(),
		WorkflowID:  snapshot.WorkflowID,
		Snapshot:    snapshot,
		Kind:        snapshot.Schedule.Kind,
		ScheduledAt: scheduledAt.UTC().Truncate(time.Second),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxRetries:  maxRetries,
	}
}

// IsRecurring reports whether the job belongs to a recurring schedule.
func (j *ScheduledJob) IsRecurring() bool {
	return j.Kind == campaign.KindRecurring
}

// CanRequeue reports whether a failed job still has retry budget.
func (j *ScheduledJob) CanRequeue() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// Clone returns a copy whose timestamps can be changed independently.
// The snapshot is shared; it is read-only once embedded.
func (j *ScheduledJob) Clone() *ScheduledJob {
	c := *j
	c.ExecutedAt = copyTime(j.ExecutedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.FailedAt = copyTime(j.FailedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
