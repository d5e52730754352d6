package schedule

import (
	"context"
	"sort"
	"time"
)

// DefaultTolerance is how early a job may be picked up before its scheduledAt.
const DefaultTolerance = 5 * time.Minute

// SelectDue returns the pending jobs whose scheduledAt is at or before
// now+tol, earliest first. Jobs in any other status are ignored.
func SelectDue(jobs []*ScheduledJob, now time.Time, tol time.Duration) []*ScheduledJob {
	if tol < 0 {
		tol = 0
	}
	var due []*ScheduledJob
	for _, j := range jobs {
		if j.Status != StatusPending {
			continue
		}
		if !now.Before(j.ScheduledAt.Add(-tol)) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		return due[a].ScheduledAt.Before(due[b].ScheduledAt)
	})
	return due
}

// Selector reads pending jobs from the store and picks the due ones.
type Selector struct {
	store     *Store
	tolerance time.Duration
}

// NewSelector creates a selector. A non-positive tolerance uses DefaultTolerance.
func NewSelector(store *Store, tolerance time.Duration) *Selector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Selector{store: store, tolerance: tolerance}
}

// Tolerance returns the early pickup window.
func (s *Selector) Tolerance() time.Duration {
	return s.tolerance
}

// Due returns the jobs due at now.
func (s *Selector) Due(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	pending, err := s.store.FindByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	return SelectDue(pending, now, s.tolerance), nil
}
