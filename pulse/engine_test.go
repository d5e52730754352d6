package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
	qntxtest "github.com/teranos/herald/internal/testing"
	"github.com/teranos/herald/pulse/execute"
	"github.com/teranos/herald/pulse/schedule"
)

var start = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// completingExecutor claims and completes jobs through the store without
// sending anything.
type completingExecutor struct {
	store *schedule.Store
	clock func() time.Time

	mu       sync.Mutex
	executed []string
	runs     []string
}

func (x *completingExecutor) Execute(ctx context.Context, job *schedule.ScheduledJob) (*execute.Report, error) {
	claimed, ok, err := x.store.Advance(ctx, job, schedule.StatusRunning, schedule.TransitionContext{Now: x.clock()})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &execute.Report{JobID: job.ID, Skipped: true}, nil
	}
	if _, _, err := x.store.Advance(ctx, claimed, schedule.StatusCompleted, schedule.TransitionContext{
		Now:     x.clock(),
		Outcome: &schedule.Outcome{Steps: 1},
	}); err != nil {
		return nil, err
	}
	x.mu.Lock()
	x.executed = append(x.executed, job.ID)
	x.mu.Unlock()
	return &execute.Report{JobID: job.ID, WorkflowID: job.WorkflowID, Status: schedule.StatusCompleted}, nil
}

func (x *completingExecutor) Run(_ context.Context, snapshot *campaign.Snapshot) (*execute.Report, error) {
	x.mu.Lock()
	x.runs = append(x.runs, snapshot.WorkflowID)
	x.mu.Unlock()
	return &execute.Report{WorkflowID: snapshot.WorkflowID, Status: schedule.StatusCompleted}, nil
}

type engineFixture struct {
	engine   *Engine
	store    *schedule.Store
	provider *campaign.MemoryProvider
	executor *completingExecutor
	metrics  *Metrics
	now      time.Time
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	f := &engineFixture{now: start, provider: campaign.NewMemoryProvider()}
	clock := func() time.Time { return f.now }

	f.store = schedule.NewStore(qntxtest.CreateTestDB(t), geotime.UTC(), log)
	f.executor = &completingExecutor{store: f.store, clock: clock}
	f.metrics = InitPrometheusMetrics("herald", prometheus.NewRegistry())
	f.engine = NewEngine(f.store, f.provider, f.executor, cfg, log, WithClock(clock), WithMetrics(f.metrics))
	return f
}

func workflow(id string, spec campaign.ScheduleSpec) *campaign.Workflow {
	return &campaign.Workflow{
		ID:              id,
		Name:            "Weekend sale",
		Status:          campaign.StatusActive,
		RecipientGroups: []campaign.RecipientGroup{{Tags: []string{"vip"}}},
		Steps:           []campaign.Step{{TemplateRef: "sale_v1", Body: "Hi {{name}}"}},
		Schedule:        spec,
	}
}

func daily(tod string) campaign.ScheduleSpec {
	return campaign.ScheduleSpec{
		Kind:       campaign.KindRecurring,
		Recurrence: &campaign.Recurrence{Frequency: geotime.Daily, TimeOfDay: tod},
	}
}

func at(s string) campaign.ScheduleSpec {
	return campaign.ScheduleSpec{Kind: campaign.KindScheduled, At: s}
}

func (f *engineFixture) active(t *testing.T, workflowID string) []*schedule.ScheduledJob {
	t.Helper()
	jobs, err := f.store.FindByWorkflow(t.Context(), workflowID, schedule.StatusPending, schedule.StatusRunning)
	require.NoError(t, err)
	return jobs
}

func TestRegisterScheduleOneShot(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-sale", at("2025-03-15T10:00:00Z"))

	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC), job.ScheduledAt)
	assert.Equal(t, schedule.StatusPending, job.Status)

	again, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID, "same fire time is a duplicate")

	wf.Schedule = at("2025-03-15T12:00:00Z")
	moved, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, moved.ID)

	old, err := f.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, old.Status)
	assert.Equal(t, schedule.ReasonTimeChanged, old.ErrorMessage)
	assert.Len(t, f.active(t, wf.ID), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CancelledTotal.WithLabelValues(schedule.ReasonTimeChanged)))
}

func TestRegisterScheduleRecurringKeepsOneActiveJob(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-daily", daily("09:30"))

	for i := 0; i < 3; i++ {
		_, err := f.engine.RegisterSchedule(t.Context(), wf)
		require.NoError(t, err)
	}

	active := f.active(t, wf.ID)
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), active[0].ScheduledAt)

	cancelled, err := f.store.FindByWorkflow(t.Context(), wf.ID, schedule.StatusCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
	for _, j := range cancelled {
		assert.Equal(t, schedule.ReasonSuperseded, j.ErrorMessage)
	}
}

func TestRegisterScheduleRecurringDuringRunCreatesNothing(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-daily", daily("10:00"))
	f.provider.Put(wf)

	first, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	running, ok, err := f.store.Advance(t.Context(), first, schedule.StatusRunning, schedule.TransitionContext{Now: f.now})
	require.NoError(t, err)
	require.True(t, ok)

	again, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, running.ID, again.ID)

	active := f.active(t, wf.ID)
	require.Len(t, active, 1)
	assert.Equal(t, schedule.StatusRunning, active[0].Status)

	// The next occurrence follows the run, on the next day's slot
	_, _, err = f.store.Advance(t.Context(), running, schedule.StatusCompleted, schedule.TransitionContext{
		Now:     f.now,
		Outcome: &schedule.Outcome{Steps: 1},
	})
	require.NoError(t, err)
	f.engine.regenerate(t.Context(), running)

	active = f.active(t, wf.ID)
	require.Len(t, active, 1)
	assert.Equal(t, schedule.StatusPending, active[0].Status)
	assert.Equal(t, time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC), active[0].ScheduledAt)
}

func TestRegisterScheduleInactiveWorkflowCancels(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-sale", at("2025-03-15T10:00:00Z"))
	_, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	wf.Status = campaign.StatusInactive
	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, f.active(t, wf.ID))

	cancelled, err := f.store.FindByWorkflow(t.Context(), wf.ID, schedule.StatusCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, schedule.ReasonDeactivated, cancelled[0].ErrorMessage)
}

func TestRegisterScheduleImmediateRunsWithoutJob(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-now", campaign.ScheduleSpec{Kind: campaign.KindImmediate})

	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, []string{"wf-now"}, f.executor.runs)

	summary, err := f.engine.GetStatusSummary(t.Context())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

func TestRegisterScheduleRejectsInvalidWorkflows(t *testing.T) {
	f := newEngineFixture(t, Config{})

	_, err := f.engine.RegisterSchedule(t.Context(), nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	noSteps := workflow("wf-empty", at("2025-03-15T10:00:00Z"))
	noSteps.Steps = nil
	_, err = f.engine.RegisterSchedule(t.Context(), noSteps)
	assert.True(t, errors.IsInvalidRequestError(err))

	badTime := workflow("wf-bad", at("next tuesday"))
	_, err = f.engine.RegisterSchedule(t.Context(), badTime)
	assert.Error(t, err)
}

func TestCancelSchedules(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-sale", at("2025-03-15T10:00:00Z"))
	_, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	_, err = f.engine.CancelSchedules(t.Context(), wf.ID, "  ")
	assert.True(t, errors.IsInvalidRequestError(err))

	n, err := f.engine.CancelSchedules(t.Context(), wf.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.engine.DeactivateWorkflow(t.Context(), wf.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunDueExecutesAndRegeneratesRecurring(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-daily", daily("09:30"))
	f.provider.Put(wf)

	first, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	n, err := f.engine.RunDue(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "not due before 09:30")

	f.now = time.Date(2025, 3, 14, 9, 31, 0, 0, time.UTC)
	n, err = f.engine.RunDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{first.ID}, f.executor.executed)

	done, err := f.store.GetJob(t.Context(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, done.Status)

	active := f.active(t, wf.ID)
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC), active[0].ScheduledAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExecutionsTotal.WithLabelValues("completed")))
}

func TestRunDueDoesNotRegenerateDeactivatedWorkflow(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-daily", daily("09:30"))
	_, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	// The live document was deactivated after the job was scheduled
	paused := *wf
	paused.Status = campaign.StatusInactive
	f.provider.Put(&paused)

	f.now = time.Date(2025, 3, 14, 9, 31, 0, 0, time.UTC)
	_, err = f.engine.RunDue(t.Context())
	require.NoError(t, err)
	assert.Empty(t, f.active(t, wf.ID))
}

func TestSync(t *testing.T) {
	f := newEngineFixture(t, Config{})

	fresh := workflow("wf-fresh", at("2025-03-15T10:00:00Z"))
	edited := workflow("wf-edited", at("2025-03-16T10:00:00Z"))
	gone := workflow("wf-gone", at("2025-03-17T10:00:00Z"))

	oldJob, err := f.engine.RegisterSchedule(t.Context(), edited)
	require.NoError(t, err)
	_, err = f.engine.RegisterSchedule(t.Context(), gone)
	require.NoError(t, err)

	changed := *edited
	changed.Steps = []campaign.Step{{TemplateRef: "sale_v2", Body: "New copy for {{name}}"}}
	f.provider.Put(fresh)
	f.provider.Put(&changed)

	result, err := f.engine.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Registered: 1, Rescheduled: 1, Cancelled: 1}, result)

	assert.Len(t, f.active(t, "wf-fresh"), 1)
	assert.Empty(t, f.active(t, "wf-gone"))

	replaced := f.active(t, "wf-edited")
	require.Len(t, replaced, 1)
	assert.NotEqual(t, oldJob.ID, replaced[0].ID)
	assert.Equal(t, changed.Snapshot().Fingerprint, replaced[0].Snapshot.Fingerprint)

	old, err := f.store.GetJob(t.Context(), oldJob.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonEdited, old.ErrorMessage)

	again, err := f.engine.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, again, "second sync is a no-op")
}

func TestSyncDoesNotRescheduleFinishedOneShot(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-once", at("2025-03-14T09:00:00Z"))
	f.provider.Put(wf)

	_, err := f.engine.Sync(t.Context())
	require.NoError(t, err)
	n, err := f.engine.RunDue(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	result, err := f.engine.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, result)
	assert.Empty(t, f.active(t, wf.ID))
}

func failJob(t *testing.T, f *engineFixture, job *schedule.ScheduledJob) *schedule.ScheduledJob {
	t.Helper()
	running, ok, err := f.store.Advance(t.Context(), job, schedule.StatusRunning, schedule.TransitionContext{Now: f.now})
	require.NoError(t, err)
	require.True(t, ok)
	failed, ok, err := f.store.Advance(t.Context(), running, schedule.StatusFailed, schedule.TransitionContext{Now: f.now, ErrorMessage: "provider down"})
	require.NoError(t, err)
	require.True(t, ok)
	return failed
}

func TestRequeue(t *testing.T) {
	f := newEngineFixture(t, Config{MaxRetries: 2})
	wf := workflow("wf-sale", at("2025-03-14T08:00:00Z"))
	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	_, err = f.engine.Requeue(t.Context(), job.ID)
	assert.True(t, errors.IsInvalidRequestError(err), "pending jobs cannot be re-queued")

	failed := failJob(t, f, job)
	require.Equal(t, 1, failed.RetryCount)

	retry, err := f.engine.Requeue(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, f.now, retry.ScheduledAt)

	exhausted := failJob(t, f, retry)
	require.Equal(t, 2, exhausted.RetryCount)
	_, err = f.engine.Requeue(t.Context(), retry.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = f.engine.Requeue(t.Context(), "SJ_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRequeueRecurringBlockedByActiveJob(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-daily", daily("09:30"))
	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	failJob(t, f, job)

	_, err = f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	_, err = f.engine.Requeue(t.Context(), job.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Len(t, f.active(t, wf.ID), 1)
}

func TestGetStatusSummaryAndForceSweep(t *testing.T) {
	f := newEngineFixture(t, Config{})
	stale := workflow("wf-stale", at("2025-03-12T09:00:00Z"))
	later := workflow("wf-later", at("2025-03-20T09:00:00Z"))
	_, err := f.engine.RegisterSchedule(t.Context(), stale)
	require.NoError(t, err)
	_, err = f.engine.RegisterSchedule(t.Context(), later)
	require.NoError(t, err)

	summary, err := f.engine.GetStatusSummary(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSummary{Pending: 2, Total: 2}, summary)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.JobsByStatus.WithLabelValues("pending")))

	result, err := f.engine.ForceSweep(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, schedule.SweepResult{Purged: 1}, result)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepPurged))

	summary, err = f.engine.GetStatusSummary(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSummary{Pending: 1, Failed: 1, Total: 2}, summary)
}

func TestPurgeHistory(t *testing.T) {
	f := newEngineFixture(t, Config{Retention: 7 * 24 * time.Hour})
	wf := workflow("wf-sale", at("2025-03-15T10:00:00Z"))
	_, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	_, err = f.engine.DeactivateWorkflow(t.Context(), wf.ID)
	require.NoError(t, err)

	n, err := f.engine.PurgeHistory(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "inside the retention window")

	f.now = f.now.Add(8 * 24 * time.Hour)
	n, err = f.engine.PurgeHistory(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keepAll := newEngineFixture(t, Config{})
	n, err = keepAll.engine.PurgeHistory(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartRunsDueJobsThroughPool(t *testing.T) {
	f := newEngineFixture(t, Config{})
	wf := workflow("wf-sale", at("2025-03-14T08:59:00Z"))
	job, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(t.Context(), RuntimeConfig{
		Ticker:      TickerConfig{Interval: 10 * time.Millisecond},
		Maintenance: MaintenanceConfig{SweepSchedule: "@every 1h"},
	}))
	assert.Error(t, f.engine.Start(t.Context(), RuntimeConfig{}), "second start is refused")

	assert.Eventually(t, func() bool {
		got, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == schedule.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, f.engine.MaintenanceTasks(), 1)
	assert.Positive(t, f.engine.TickerStats().Ticks)

	f.engine.Stop()
	assert.Nil(t, f.engine.Pool())
}

func TestEarlyTriggerRegeneratesNextSlot(t *testing.T) {
	f := newEngineFixture(t, Config{Tolerance: 5 * time.Minute})
	wf := workflow("wf-daily", daily("09:30"))
	f.provider.Put(wf)
	_, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)

	f.now = time.Date(2025, 3, 14, 9, 27, 0, 0, time.UTC)
	n, err := f.engine.RunDue(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	active := f.active(t, wf.ID)
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC), active[0].ScheduledAt)
}

func TestMonthlyChainKeepsAnchorDay(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.now = time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	wf := workflow("wf-payday", campaign.ScheduleSpec{
		Kind:       campaign.KindRecurring,
		Recurrence: &campaign.Recurrence{Frequency: geotime.Monthly, TimeOfDay: "10:00"},
	})
	f.provider.Put(wf)

	first, err := f.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC), first.ScheduledAt)
	assert.Equal(t, 31, first.Snapshot.AnchorDay)

	var slots []time.Time
	for i := 0; i < 3; i++ {
		active := f.active(t, wf.ID)
		require.Len(t, active, 1)
		f.now = active[0].ScheduledAt.Add(time.Minute)
		n, err := f.engine.RunDue(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		next := f.active(t, wf.ID)
		require.Len(t, next, 1)
		slots = append(slots, next[0].ScheduledAt)
	}

	assert.Equal(t, []time.Time{
		time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 30, 10, 0, 0, 0, time.UTC),
	}, slots)
}

func TestRegisterRejectsDelaysBeyondStuckThreshold(t *testing.T) {
	f := newEngineFixture(t, Config{Sweep: schedule.SweepConfig{StuckThreshold: 10 * time.Minute}})

	drip := workflow("wf-drip", at("2025-03-15T10:00:00Z"))
	drip.Steps = []campaign.Step{
		{TemplateRef: "drip_1", Body: "Hi {{name}}", DelayAfterSeconds: 600},
		{TemplateRef: "drip_2", Body: "Still there, {{name}}?"},
	}
	_, err := f.engine.RegisterSchedule(t.Context(), drip)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Empty(t, f.active(t, drip.ID))

	// Sync skips it instead of failing the whole pass
	f.provider.Put(drip)
	result, err := f.engine.Sync(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.Registered)

	// The last step's delay is never waited
	drip.Steps[0].DelayAfterSeconds = 540
	drip.Steps[1].DelayAfterSeconds = 3600
	job, err := f.engine.RegisterSchedule(t.Context(), drip)
	require.NoError(t, err)
	require.NotNil(t, job)
}
