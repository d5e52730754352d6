package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	qntxtest "github.com/teranos/herald/internal/testing"
)

var baseTime = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func testSnapshot(workflowID string, kind campaign.ScheduleKind) *campaign.Snapshot {
	wf := &campaign.Workflow{
		ID:     workflowID,
		Name:   "Spring promo",
		Status: campaign.StatusActive,
		RecipientGroups: []campaign.RecipientGroup{
			{Name: "vip", Tags: []string{"vip"}},
		},
		Steps: []campaign.Step{
			{TemplateRef: "promo_v1", Body: "Hi {{name}}"},
		},
		Schedule: campaign.ScheduleSpec{Kind: kind},
	}
	return wf.Snapshot()
}

func testJob(workflowID string, kind campaign.ScheduleKind, at time.Time) *ScheduledJob {
	return NewJob(testSnapshot(workflowID, kind), at, baseTime, 0)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := qntxtest.CreateTestDB(t)
	return NewStore(db, geotime.UTC(), zaptest.NewLogger(t).Sugar())
}

func insertJob(t *testing.T, s *Store, job *ScheduledJob) *ScheduledJob {
	t.Helper()
	require.NoError(t, s.Insert(t.Context(), job))
	return job
}
