// Package pulse is herald's scheduling engine. It registers workflow
// schedules as jobs, hands due jobs to the worker pool, regenerates recurring
// schedules and runs the maintenance cadences (sweep, sync, purge).
package pulse

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/async"
	"github.com/teranos/herald/pulse/execute"
	"github.com/teranos/herald/pulse/schedule"
)

// ReasonEdited cancels a pending one-shot job whose workflow content changed.
const ReasonEdited = "workflow edited"

// Executor runs one claimed job or one immediate snapshot.
type Executor interface {
	Execute(ctx context.Context, job *schedule.ScheduledJob) (*execute.Report, error)
	Run(ctx context.Context, snapshot *campaign.Snapshot) (*execute.Report, error)
}

// Config tunes the engine.
type Config struct {
	MaxRetries int
	Tolerance  time.Duration
	Sweep      schedule.SweepConfig
	// Retention is how long terminal jobs are kept; 0 keeps them forever.
	Retention time.Duration
}

// StatusSummary counts jobs per status.
type StatusSummary struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// SyncResult counts what one registrar sync changed.
type SyncResult struct {
	Registered  int `json:"registered"`
	Rescheduled int `json:"rescheduled"`
	Cancelled   int `json:"cancelled"`
}

// Engine is the entry point the rest of the application uses.
type Engine struct {
	store    *schedule.Store
	provider campaign.Provider
	executor Executor
	selector *schedule.Selector
	sweeper  *schedule.Sweeper
	config   Config
	metrics  *Metrics
	clock    schedule.Clock
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	pool        *async.Pool
	ticker      *Ticker
	maintenance *Maintenance
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c schedule.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics records engine activity.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine creates an engine over store. provider supplies live workflows
// for sync and recurring regeneration.
func NewEngine(store *schedule.Store, provider campaign.Provider, executor Executor, cfg Config, log *zap.SugaredLogger, opts ...Option) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = schedule.DefaultMaxRetries
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		store:    store,
		provider: provider,
		executor: executor,
		config:   cfg,
		clock:    schedule.SystemClock,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.selector = schedule.NewSelector(store, cfg.Tolerance)
	e.sweeper = schedule.NewSweeper(store, cfg.Sweep, log)
	return e
}

// RuntimeConfig configures the background machinery started by Start.
type RuntimeConfig struct {
	Pool        async.PoolConfig
	Ticker      TickerConfig
	Maintenance MaintenanceConfig
}

// Start runs the worker pool, the trigger ticker and the maintenance
// scheduler until Stop or until ctx is cancelled. Pending work left over
// from a previous process is recovered first.
func (e *Engine) Start(ctx context.Context, rc RuntimeConfig) error {
	if e.pool != nil {
		return errors.New("engine already started")
	}
	maintenance, err := NewMaintenance(e, rc.Maintenance, e.logger)
	if err != nil {
		return err
	}

	if _, err := e.ForceSweep(ctx, nil); err != nil {
		e.logger.Warnw("Startup sweep failed", logger.FieldError, err)
	}
	if n, err := e.store.Canonicalize(ctx); err != nil {
		e.logger.Warnw("Timestamp canonicalization failed", logger.FieldError, err)
	} else if n > 0 {
		logger.AddDBSymbol(e.logger).Infow("Canonicalized stored timestamps", logger.FieldCount, n)
	}

	e.pool = async.NewPool(ctx, async.ExecutorFunc(e.execute), rc.Pool, e.logger)
	e.pool.Start()
	e.ticker = NewTicker(ctx, e, rc.Ticker, e.logger)
	e.ticker.Start()
	e.maintenance = maintenance
	e.maintenance.Start(ctx)
	return nil
}

// Stop halts triggering first, then drains the pool.
func (e *Engine) Stop() {
	if e.pool == nil {
		return
	}
	e.maintenance.Stop()
	e.ticker.Stop()
	e.pool.Stop()
	e.pool, e.ticker, e.maintenance = nil, nil, nil
}

// TickerStats returns the trigger ticker counters, zero until Start.
func (e *Engine) TickerStats() TickerStats {
	if e.ticker == nil {
		return TickerStats{}
	}
	return e.ticker.Stats()
}

// MaintenanceTasks lists the scheduled housekeeping tasks, empty until Start.
func (e *Engine) MaintenanceTasks() []MaintenanceTask {
	if e.maintenance == nil {
		return nil
	}
	return e.maintenance.Tasks()
}

// Store returns the job store.
func (e *Engine) Store() *schedule.Store { return e.store }

// Pool returns the worker pool, nil until Start.
func (e *Engine) Pool() *async.Pool { return e.pool }

// RegisterSchedule makes the job table match wf. Inactive workflows have
// their pending jobs cancelled. Immediate workflows run synchronously and
// return no job. Otherwise the job for the next fire time is returned, which
// is the existing job when an identical one-shot is already scheduled, or the
// running job of a recurring workflow whose next occurrence is registered
// when that run ends.
func (e *Engine) RegisterSchedule(ctx context.Context, wf *campaign.Workflow) (*schedule.ScheduledJob, error) {
	return e.register(ctx, wf, time.Time{}, 0)
}

// register computes the fire time from after, or from now when after is
// earlier or zero. anchor is the monthly anchor day inherited from the
// previous job of a recurring chain, 0 for none.
func (e *Engine) register(ctx context.Context, wf *campaign.Workflow, after time.Time, anchor int) (*schedule.ScheduledJob, error) {
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return nil, errors.NewInvalidRequestError("workflow id is required")
	}
	now := e.clock()

	if !wf.IsActive() {
		_, err := e.apply(ctx, wf.ID, now, func(active []*schedule.ScheduledJob) schedule.Plan {
			return schedule.Reconcile(wf.ID, nil, active)
		})
		return nil, err
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	snapshot := wf.Snapshot()
	if wf.Schedule.Kind == campaign.KindImmediate {
		start := time.Now()
		report, err := e.executor.Run(ctx, snapshot)
		if report != nil {
			e.metrics.RecordExecution(report.Status, time.Since(start))
		}
		return nil, errors.Wrapf(err, "immediate run of %s", wf.ID)
	}

	if err := e.checkRunDelay(wf); err != nil {
		return nil, err
	}

	from := now
	if after.After(from) {
		from = after
	}
	zone := e.store.Zone()
	snapshot.AnchorDay = wf.Schedule.MonthlyAnchor(zone, from, anchor)
	at, err := wf.Schedule.NextFireTimeAnchored(zone, from, snapshot.AnchorDay)
	if err != nil {
		return nil, errors.Wrapf(err, "workflow %s", wf.ID)
	}
	job := schedule.NewJob(snapshot, at, now, e.config.MaxRetries)

	result, err := e.apply(ctx, wf.ID, now, func(active []*schedule.ScheduledJob) schedule.Plan {
		return schedule.Reconcile(wf.ID, job, active)
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate != nil {
		e.logger.Debugw("Schedule already registered",
			logger.FieldWorkflowID, wf.ID,
			logger.FieldJobID, result.Duplicate.ID)
		return result.Duplicate, nil
	}

	e.pulseLog.Infow("Schedule registered",
		logger.FieldWorkflowID, wf.ID,
		logger.FieldJobID, result.Created.ID,
		logger.FieldScheduledAt, e.store.Zone().ToLocal(result.Created.ScheduledAt).Format(time.RFC3339))
	return result.Created, nil
}

// checkRunDelay rejects workflows whose inter-step waits would outlast the
// sweeper's stuck threshold: the run would be failed as timed out mid-way.
func (e *Engine) checkRunDelay(wf *campaign.Workflow) error {
	threshold := e.sweeper.Config().StuckThreshold
	if d := wf.RunDelay(); d >= threshold {
		return errors.WithHintf(
			errors.NewInvalidRequestError("workflow %s waits %v between steps, not less than the %v stuck threshold", wf.ID, d, threshold),
			"raise pulse.stuck_threshold_seconds above %d or shorten delay_after_seconds", int(d.Seconds()))
	}
	return nil
}

// CancelSchedules cancels the workflow's pending jobs with reason and
// returns how many were cancelled. Running jobs are left to finish.
func (e *Engine) CancelSchedules(ctx context.Context, workflowID, reason string) (int, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, errors.NewInvalidRequestError("cancellation reason is required")
	}
	result, err := e.apply(ctx, workflowID, e.clock(), func(active []*schedule.ScheduledJob) schedule.Plan {
		return schedule.CancelAll(workflowID, active, reason)
	})
	if err != nil {
		return 0, err
	}
	return len(result.Cancelled), nil
}

// DeactivateWorkflow cancels the workflow's pending jobs as deactivated.
func (e *Engine) DeactivateWorkflow(ctx context.Context, workflowID string) (int, error) {
	return e.CancelSchedules(ctx, workflowID, schedule.ReasonDeactivated)
}

func (e *Engine) apply(ctx context.Context, workflowID string, now time.Time, decide func([]*schedule.ScheduledJob) schedule.Plan) (*schedule.ReconcileResult, error) {
	result, err := e.store.Apply(ctx, workflowID, now, decide)
	if err != nil {
		return nil, err
	}
	for _, j := range result.Cancelled {
		e.metrics.RecordCancelled(j.ErrorMessage)
	}
	if len(result.Cancelled) > 0 {
		e.logger.Infow("Cancelled pending jobs",
			logger.FieldWorkflowID, workflowID,
			logger.FieldCount, len(result.Cancelled),
			logger.FieldReason, result.Cancelled[0].ErrorMessage)
	}
	if len(result.InFlight) > 0 {
		e.logger.Infow("Running jobs left to finish",
			logger.FieldWorkflowID, workflowID,
			logger.FieldCount, len(result.InFlight))
	}
	return result, nil
}

// GetStatusSummary counts jobs per status.
func (e *Engine) GetStatusSummary(ctx context.Context) (StatusSummary, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	e.metrics.SetStatusCounts(counts)

	s := StatusSummary{
		Pending:   counts[schedule.StatusPending],
		Running:   counts[schedule.StatusRunning],
		Completed: counts[schedule.StatusCompleted],
		Failed:    counts[schedule.StatusFailed],
		Cancelled: counts[schedule.StatusCancelled],
	}
	s.Total = s.Pending + s.Running + s.Completed + s.Failed + s.Cancelled
	return s, nil
}

// ForceSweep runs the recovery sweeper as of now, or as of the engine clock
// when now is nil.
func (e *Engine) ForceSweep(ctx context.Context, now *time.Time) (schedule.SweepResult, error) {
	at := e.clock()
	if now != nil {
		at = now.UTC()
	}
	result, err := e.sweeper.Sweep(ctx, at)
	if err != nil {
		return result, err
	}
	e.metrics.RecordSweep(result)
	return result, nil
}

// Requeue schedules a failed job again, now, carrying its retry count.
// Recurring workflows keep a single active job, so a recurring job is
// re-queued only while the workflow has none.
func (e *Engine) Requeue(ctx context.Context, jobID string) (*schedule.ScheduledJob, error) {
	failed, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if failed.Status != schedule.StatusFailed {
		return nil, errors.NewInvalidRequestError("job %s is %s, only failed jobs can be re-queued", jobID, failed.Status)
	}
	if !failed.CanRequeue() {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrConflict, "job %s used %d of %d retries", jobID, failed.RetryCount, failed.MaxRetries),
			"register the workflow again to start a fresh schedule")
	}
	if failed.Snapshot == nil {
		return nil, errors.NewInvalidRequestError("job %s has no workflow snapshot", jobID)
	}

	now := e.clock()
	retry := schedule.NewJob(failed.Snapshot, now, now, failed.MaxRetries)
	retry.RetryCount = failed.RetryCount

	var blocked *schedule.ScheduledJob
	result, err := e.apply(ctx, failed.WorkflowID, now, func(active []*schedule.ScheduledJob) schedule.Plan {
		if failed.IsRecurring() && len(active) > 0 {
			blocked = active[0]
			return schedule.Plan{}
		}
		return schedule.Plan{ToCreate: retry}
	})
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, errors.Wrapf(errors.ErrConflict, "workflow %s already has active job %s", failed.WorkflowID, blocked.ID)
	}

	e.pulseLog.Infow("Job re-queued",
		logger.FieldJobID, result.Created.ID,
		"from_job", jobID,
		"retry_count", retry.RetryCount)
	return result.Created, nil
}

// PurgeHistory deletes terminal jobs older than the retention window.
func (e *Engine) PurgeHistory(ctx context.Context) (int64, error) {
	if e.config.Retention <= 0 {
		return 0, nil
	}
	n, err := e.store.PurgeTerminal(ctx, e.clock().Add(-e.config.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.AddDBSymbol(e.logger).Infow("Purged job history", logger.FieldCount, n)
	}
	return n, nil
}

// Sync reconciles the job table with the provider's active workflows:
//   - workflows with active jobs that are no longer active are cancelled
//   - active workflows that were never scheduled are registered, as are
//     recurring workflows that lost their active job
//   - pending jobs whose snapshot differs from the live workflow are replaced
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	workflows, err := e.provider.ActiveWorkflows(ctx)
	if err != nil {
		return result, errors.Wrap(err, "failed to list active workflows")
	}
	live := make(map[string]*campaign.Workflow, len(workflows))
	for _, wf := range workflows {
		live[wf.ID] = wf
	}

	scheduled, err := e.store.ActiveWorkflowIDs(ctx)
	if err != nil {
		return result, err
	}
	for _, id := range scheduled {
		if _, ok := live[id]; ok {
			continue
		}
		n, err := e.DeactivateWorkflow(ctx, id)
		if err != nil {
			return result, err
		}
		result.Cancelled += n
	}

	for _, wf := range workflows {
		if wf.Schedule.Kind == campaign.KindImmediate {
			continue
		}
		if err := wf.Validate(); err != nil {
			e.logger.Warnw("Skipping invalid workflow", logger.FieldWorkflowID, wf.ID, logger.FieldError, err)
			continue
		}
		if err := e.checkRunDelay(wf); err != nil {
			e.logger.Warnw("Skipping workflow", logger.FieldWorkflowID, wf.ID, logger.FieldError, err)
			continue
		}
		action, err := e.syncAction(ctx, wf)
		if err != nil {
			return result, err
		}
		switch action {
		case syncRegister:
			if _, err := e.RegisterSchedule(ctx, wf); err != nil {
				return result, err
			}
			result.Registered++
		case syncReschedule:
			if !wf.Schedule.IsRecurring() {
				if _, err := e.CancelSchedules(ctx, wf.ID, ReasonEdited); err != nil {
					return result, err
				}
			}
			if _, err := e.RegisterSchedule(ctx, wf); err != nil {
				return result, err
			}
			result.Rescheduled++
		}
	}

	if result != (SyncResult{}) {
		e.pulseLog.Infow("Workflow sync",
			"registered", result.Registered,
			"rescheduled", result.Rescheduled,
			"cancelled", result.Cancelled)
	}
	return result, nil
}

type syncActionKind int

const (
	syncNone syncActionKind = iota
	syncRegister
	syncReschedule
)

func (e *Engine) syncAction(ctx context.Context, wf *campaign.Workflow) (syncActionKind, error) {
	jobs, err := e.store.FindByWorkflow(ctx, wf.ID)
	if err != nil {
		return syncNone, err
	}
	fingerprint := wf.Snapshot().Fingerprint

	hasActive := false
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		hasActive = true
		if j.Status == schedule.StatusPending && (j.Snapshot == nil || j.Snapshot.Fingerprint != fingerprint) {
			return syncReschedule, nil
		}
	}

	switch {
	case hasActive:
		return syncNone, nil
	case wf.Schedule.IsRecurring():
		return syncRegister, nil
	case len(jobs) == 0:
		return syncRegister, nil
	default:
		// One-shot already ran (or was cancelled)
		return syncNone, nil
	}
}

// RunDue hands every due job to the worker pool, or runs them inline when
// the engine has no pool. It returns how many jobs were handed off.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	due, err := e.selector.Due(ctx, e.clock())
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, job := range due {
		if e.pool != nil {
			if e.pool.Submit(job) {
				submitted++
			}
			continue
		}
		if err := e.execute(ctx, job); err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// execute runs one job and regenerates its recurring schedule.
func (e *Engine) execute(ctx context.Context, job *schedule.ScheduledJob) error {
	start := time.Now()
	report, err := e.executor.Execute(ctx, job)
	if err != nil {
		return err
	}
	if report.Skipped {
		return nil
	}
	e.metrics.RecordExecution(report.Status, time.Since(start))

	if job.IsRecurring() {
		e.regenerate(ctx, job)
	}
	return nil
}

// regenerate registers the next occurrence from the live workflow. A job
// triggered early within the tolerance must not land on its own slot again,
// so the next occurrence is computed from after the slot.
func (e *Engine) regenerate(ctx context.Context, job *schedule.ScheduledJob) {
	wf, err := e.provider.Workflow(ctx, job.WorkflowID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			e.logger.Warnw("Cannot load workflow for next occurrence", logger.FieldWorkflowID, job.WorkflowID, logger.FieldError, err)
		}
		return
	}
	if !wf.IsActive() || !wf.Schedule.IsRecurring() {
		return
	}
	var anchor int
	if job.Snapshot != nil {
		anchor = job.Snapshot.AnchorDay
	}
	if _, err := e.register(context.WithoutCancel(ctx), wf, job.ScheduledAt, anchor); err != nil {
		e.logger.Errorw("Failed to schedule next occurrence", logger.FieldWorkflowID, wf.ID, logger.FieldError, err)
	}
}
