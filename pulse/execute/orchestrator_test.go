package execute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/errors"
	qntxtest "github.com/teranos/herald/internal/testing"
	"github.com/teranos/herald/pulse/schedule"
)

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type staticResolver struct {
	recipients []campaign.Recipient
	err        error
}

func (r staticResolver) Resolve(context.Context, campaign.RecipientGroup) ([]campaign.Recipient, error) {
	return r.recipients, r.err
}

// scriptedDispatcher fails recipients listed in fail and records every send.
type scriptedDispatcher struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []dispatch.Message
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, msg dispatch.Message, rcpt campaign.Recipient, _ dispatch.Preference) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	if d.fail[rcpt.Address()] {
		return dispatch.Result{Recipient: rcpt.Address(), Channel: dispatch.ChannelPlainText, FallbackUsed: true, ErrorMessage: "bounced"}
	}
	return dispatch.Result{Recipient: rcpt.Address(), Success: true, Channel: dispatch.ChannelTemplated, MessageID: "m-" + rcpt.Address()}
}

type failingSink struct{}

func (failingSink) AppendBatch(context.Context, []dispatch.LogEntry) error {
	return errors.New("log sink unavailable")
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBroadcaster) Broadcast(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func twoStepWorkflow() *campaign.Workflow {
	return &campaign.Workflow{
		ID:              "wf-promo",
		Name:            "Promo",
		Status:          campaign.StatusActive,
		RecipientGroups: []campaign.RecipientGroup{{Name: "all", Tags: []string{"all"}}},
		Steps: []campaign.Step{
			{TemplateRef: "promo_intro", Body: "Hi {{name}}", DelayAfterSeconds: 3600},
			{TemplateRef: "promo_code", Body: "Code for {{name}}: {{code}}"},
		},
		Schedule: campaign.ScheduleSpec{Kind: campaign.KindScheduled, At: "2025-03-14T09:00:00Z"},
	}
}

var recipients = []campaign.Recipient{
	{"address": "+1", "name": "Ana"},
	{"address": "+2", "name": "Budi"},
	{"address": "+3"},
}

type fixture struct {
	store      *schedule.Store
	logs       *dispatch.LogStore
	dispatcher *scriptedDispatcher
	events     *recordingBroadcaster
	sleeps     []time.Duration
}

func newFixture(t *testing.T) *fixture {
	db := qntxtest.CreateTestDB(t)
	return &fixture{
		store:      schedule.NewStore(db, geotime.UTC(), zaptest.NewLogger(t).Sugar()),
		logs:       dispatch.NewLogStore(db),
		dispatcher: &scriptedDispatcher{fail: map[string]bool{}},
		events:     &recordingBroadcaster{},
	}
}

func (f *fixture) orchestrator(t *testing.T, resolver campaign.Resolver, sink dispatch.LogSink, sleep SleepFunc) *Orchestrator {
	if sleep == nil {
		sleep = func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}
	}
	renderer, err := campaign.NewRenderer("placeholder", "")
	require.NoError(t, err)
	return New(f.store, resolver, renderer, f.dispatcher, sink, Config{RecipientConcurrency: 2},
		zaptest.NewLogger(t).Sugar(),
		WithClock(func() time.Time { return now }),
		WithSleep(sleep),
		WithBroadcaster(f.events))
}

func (f *fixture) pendingJob(t *testing.T, snapshot *campaign.Snapshot) *schedule.ScheduledJob {
	job := schedule.NewJob(snapshot, now, now.Add(-time.Hour), 0)
	require.NoError(t, f.store.Insert(t.Context(), job))
	return job
}

func TestExecuteCompletesWithPartialFailures(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.fail["+2"] = true
	o := f.orchestrator(t, staticResolver{recipients: recipients}, f.logs, nil)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)

	assert.Equal(t, schedule.StatusCompleted, report.Status)
	assert.Equal(t, schedule.Outcome{
		Steps: 2, Recipients: 3, Dispatched: 6, Succeeded: 4, Failed: 2, FallbackUsed: 2,
	}, report.Outcome)
	assert.Equal(t, []time.Duration{time.Hour}, f.sleeps, "delay applies once per run between steps")

	stored, err := f.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	entries, err := f.logs.ListByJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	require.NotEmpty(t, f.events.events)
	assert.Equal(t, EventStarted, f.events.events[0].Type)
	assert.Equal(t, EventFinished, f.events.events[len(f.events.events)-1].Type)
}

func TestExecuteRendersPerRecipient(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{recipients: recipients[:1]}, nil, nil)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	_, err := o.Execute(t.Context(), job)
	require.NoError(t, err)

	require.Len(t, f.dispatcher.sent, 2)
	assert.Equal(t, "promo_intro", f.dispatcher.sent[0].TemplateRef)
	assert.Equal(t, "Hi Ana", f.dispatcher.sent[0].PlainText)
	assert.Equal(t, "Code for Ana: {{code}}", f.dispatcher.sent[1].PlainText, "unresolved placeholders stay literal")
}

func TestExecuteLostClaimIsSkipped(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{recipients: recipients}, nil, nil)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	_, _, err := f.store.Advance(t.Context(), job, schedule.StatusRunning, schedule.TransitionContext{Now: now})
	require.NoError(t, err)

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.dispatcher.sent)
}

func TestExecuteFailsOnResolutionError(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{err: errors.New("contacts table locked")}, nil, nil)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, report.Status)

	stored, err := f.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "contacts table locked")
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, f.dispatcher.sent)
}

func TestExecuteFailsWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{recipients: recipients}, nil, nil)

	snapshot := twoStepWorkflow().Snapshot()
	snapshot.Steps = nil
	job := f.pendingJob(t, snapshot)

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, report.Status)
	assert.Contains(t, report.Error, "resolution failed")
}

func TestExecuteStopsWhenJobLeavesRunning(t *testing.T) {
	f := newFixture(t)
	// The sweeper times the job out during the inter-step delay
	sleep := func(ctx context.Context, _ time.Duration) error {
		sw := schedule.NewSweeper(f.store, schedule.SweepConfig{StuckThreshold: time.Minute}, nil)
		result, err := sw.Sweep(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, result.Recovered)
		return nil
	}
	o := f.orchestrator(t, staticResolver{recipients: recipients}, nil, sleep)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, schedule.StatusFailed, report.Status)
	assert.Equal(t, 3, report.Outcome.Dispatched, "only the first step was sent")

	stored, err := f.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ReasonExecutionTimeout, stored.ErrorMessage)
}

func TestExecuteIgnoresLogSinkFailure(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{recipients: recipients}, failingSink{}, nil)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	report, err := o.Execute(t.Context(), job)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, report.Status)
}

func TestExecuteCancelledDuringDelayFails(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}
	o := f.orchestrator(t, staticResolver{recipients: recipients}, nil, sleep)
	job := f.pendingJob(t, twoStepWorkflow().Snapshot())

	report, err := o.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, report.Status)
	assert.Contains(t, report.Error, "execution interrupted")
}

func TestRunImmediateHasNoJobRow(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, staticResolver{recipients: recipients}, nil, nil)

	wf := twoStepWorkflow()
	wf.Schedule = campaign.ScheduleSpec{Kind: campaign.KindImmediate}
	report, err := o.Run(t.Context(), wf.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, report.Status)
	assert.Equal(t, 6, report.Outcome.Dispatched)

	counts, err := f.store.CountByStatus(t.Context())
	require.NoError(t, err)
	for _, n := range counts {
		assert.Zero(t, n)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(t.Context(), time.Millisecond))
}
