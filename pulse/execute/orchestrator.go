// Package execute runs one scheduled job: claim it, resolve recipients,
// render and dispatch every step, record the results and finish the job.
package execute

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
)

// JobStore is the part of the job store the orchestrator writes through.
type JobStore interface {
	Advance(ctx context.Context, job *schedule.ScheduledJob, to schedule.Status, tc schedule.TransitionContext) (*schedule.ScheduledJob, bool, error)
	GetJob(ctx context.Context, id string) (*schedule.ScheduledJob, error)
}

// Dispatcher sends one message to one recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatch.Message, rcpt campaign.Recipient, pref dispatch.Preference) dispatch.Result
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultRecipientConcurrency bounds parallel sends within one step.
const DefaultRecipientConcurrency = 4

// Config tunes execution.
type Config struct {
	RecipientConcurrency int
	Preference           dispatch.Preference
}

// Report describes what one execution did.
type Report struct {
	JobID      string           `json:"job_id"`
	WorkflowID string           `json:"workflow_id"`
	Status     schedule.Status  `json:"status,omitempty"`
	Outcome    schedule.Outcome `json:"outcome"`
	// Skipped means another runner claimed the job first.
	Skipped bool `json:"skipped,omitempty"`
	// Interrupted means the job left running mid-run (e.g. timed out by the
	// sweeper) and the remaining steps were not sent.
	Interrupted bool   `json:"interrupted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Orchestrator executes jobs. Safe for concurrent use across jobs.
type Orchestrator struct {
	store      JobStore
	resolver   campaign.Resolver
	renderer   campaign.Renderer
	dispatcher Dispatcher
	sink       dispatch.LogSink
	config     Config
	logger     *zap.SugaredLogger

	clock       schedule.Clock
	sleep       SleepFunc
	broadcaster Broadcaster
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c schedule.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithSleep replaces the inter-step wait.
func WithSleep(s SleepFunc) Option { return func(o *Orchestrator) { o.sleep = s } }

// WithBroadcaster publishes execution events.
func WithBroadcaster(b Broadcaster) Option { return func(o *Orchestrator) { o.broadcaster = b } }

// New creates an orchestrator. A nil sink discards dispatch logs.
func New(store JobStore, resolver campaign.Resolver, renderer campaign.Renderer, d Dispatcher, sink dispatch.LogSink, cfg Config, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if cfg.RecipientConcurrency <= 0 {
		cfg.RecipientConcurrency = DefaultRecipientConcurrency
	}
	if sink == nil {
		sink = dispatch.NopSink{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		store:       store,
		resolver:    resolver,
		renderer:    renderer,
		dispatcher:  d,
		sink:        sink,
		config:      cfg,
		logger:      log,
		clock:       schedule.SystemClock,
		sleep:       Sleep,
		broadcaster: nopBroadcaster{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute claims job and runs it to a terminal status. Losing the claim is
// not an error: the report is marked Skipped. Errors are returned only when
// the job store failed or the state machine refused a transition.
func (o *Orchestrator) Execute(ctx context.Context, job *schedule.ScheduledJob) (*Report, error) {
	log := o.logger.With(logger.FieldJobID, job.ID, logger.FieldWorkflowID, job.WorkflowID)
	report := &Report{JobID: job.ID, WorkflowID: job.WorkflowID}

	claimed, applied, err := o.store.Advance(ctx, job, schedule.StatusRunning, schedule.TransitionContext{Now: o.clock()})
	if err != nil {
		if schedule.IsIllegalTransition(err) {
			log.Errorw("Refused to claim job", logger.FieldError, err)
		}
		return nil, err
	}
	if !applied {
		log.Warnw("Job claimed by another runner, skipping")
		report.Skipped = true
		return report, nil
	}

	logger.AddPulseOpenSymbol(log).Infow("Executing job", logger.FieldScheduledAt, claimed.ScheduledAt)
	o.broadcast(Event{Type: EventStarted, JobID: claimed.ID, WorkflowID: claimed.WorkflowID, Status: schedule.StatusRunning})
	start := time.Now()

	checkpoint := func(ctx context.Context) bool {
		current, err := o.store.GetJob(ctx, claimed.ID)
		if err != nil {
			log.Warnw("Checkpoint read failed, continuing", logger.FieldError, err)
			return true
		}
		return current.Status == schedule.StatusRunning
	}

	outcome, interrupted, runErr := o.run(ctx, claimed.ID, claimed.Snapshot, checkpoint, log)
	report.Outcome = outcome

	// Finish even if ctx was cancelled during the run
	finishCtx := context.WithoutCancel(ctx)

	switch {
	case interrupted:
		report.Interrupted = true
		log.Warnw("Job left running state mid-run, remaining steps skipped")
		current, err := o.store.GetJob(finishCtx, claimed.ID)
		if err == nil {
			report.Status = current.Status
		}

	case runErr != nil:
		report.Error = runErr.Error()
		failed, applied, err := o.store.Advance(finishCtx, claimed, schedule.StatusFailed, schedule.TransitionContext{
			Now:          o.clock(),
			ErrorMessage: runErr.Error(),
		})
		if err != nil {
			return report, err
		}
		if !applied {
			log.Warnw("Job changed state before it could be failed")
			break
		}
		report.Status = failed.Status
		logger.AddPulseCloseSymbol(log).Errorw("Job failed", logger.FieldError, runErr)

	default:
		_, applied, err := o.store.Advance(finishCtx, claimed, schedule.StatusCompleted, schedule.TransitionContext{
			Now:     o.clock(),
			Outcome: &outcome,
		})
		if err != nil {
			return report, err
		}
		if !applied {
			log.Warnw("Job changed state before it could be completed")
			break
		}
		report.Status = schedule.StatusCompleted
		logger.AddPulseCloseSymbol(log).Infow("Job completed",
			"recipients", outcome.Recipients,
			"succeeded", outcome.Succeeded,
			"failed", outcome.Failed,
			"fallback", outcome.FallbackUsed,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}

	o.broadcast(Event{
		Type:       EventFinished,
		JobID:      claimed.ID,
		WorkflowID: claimed.WorkflowID,
		Status:     report.Status,
		Outcome:    &report.Outcome,
		Error:      report.Error,
	})
	return report, nil
}

// Run executes snapshot once without a job row, for immediate workflows.
func (o *Orchestrator) Run(ctx context.Context, snapshot *campaign.Snapshot) (*Report, error) {
	runID := "IM_" + uuid.NewString()
	report := &Report{JobID: runID}
	if snapshot != nil {
		report.WorkflowID = snapshot.WorkflowID
	}
	log := o.logger.With(logger.FieldJobID, runID, logger.FieldWorkflowID, report.WorkflowID)

	logger.AddPulseOpenSymbol(log).Infow("Running immediate workflow")
	o.broadcast(Event{Type: EventStarted, JobID: runID, WorkflowID: report.WorkflowID, Status: schedule.StatusRunning})

	outcome, _, err := o.run(ctx, runID, snapshot, nil, log)
	report.Outcome = outcome
	if err != nil {
		report.Status = schedule.StatusFailed
		report.Error = err.Error()
	} else {
		report.Status = schedule.StatusCompleted
	}
	o.broadcast(Event{Type: EventFinished, JobID: runID, WorkflowID: report.WorkflowID, Status: report.Status, Outcome: &report.Outcome, Error: report.Error})
	return report, err
}

// run sends every step. checkpoint, if set, is consulted before each step
// after the first; a false answer stops the run as interrupted.
func (o *Orchestrator) run(ctx context.Context, jobID string, snapshot *campaign.Snapshot, checkpoint func(context.Context) bool, log *zap.SugaredLogger) (schedule.Outcome, bool, error) {
	var outcome schedule.Outcome

	if err := snapshot.Validate(); err != nil {
		return outcome, false, &schedule.ResolutionError{JobID: jobID, Err: err}
	}
	recipients, err := campaign.ResolveAll(ctx, o.resolver, snapshot.RecipientGroups)
	if err != nil {
		return outcome, false, &schedule.ResolutionError{JobID: jobID, Err: err}
	}

	outcome.Steps = len(snapshot.Steps)
	outcome.Recipients = len(recipients)
	outcome.Unresolved = outcome.Steps * outcome.Recipients

	for i, step := range snapshot.Steps {
		if i > 0 {
			if d := snapshot.Steps[i-1].DelayAfter(); d > 0 {
				log.Debugw("Waiting before next step", logger.FieldStep, i, "delay", d)
				if err := o.sleep(ctx, d); err != nil {
					return outcome, false, errors.Wrap(err, "execution interrupted")
				}
			}
			if checkpoint != nil && !checkpoint(ctx) {
				return outcome, true, nil
			}
		}

		results := o.runStep(ctx, step, recipients, log)

		entries := make([]dispatch.LogEntry, 0, len(results))
		now := o.clock()
		for _, r := range results {
			if r == nil {
				continue
			}
			outcome.Dispatched++
			outcome.Unresolved--
			if r.Success {
				outcome.Succeeded++
			} else {
				outcome.Failed++
			}
			if r.FallbackUsed {
				outcome.FallbackUsed++
			}
			entries = append(entries, dispatch.NewLogEntry(jobID, snapshot.WorkflowID, i, *r, now))
		}
		if err := o.sink.AppendBatch(context.WithoutCancel(ctx), entries); err != nil {
			log.Warnw("Dispatch log append failed", logger.FieldStep, i, logger.FieldError, err)
		}
		progress := outcome
		o.broadcast(Event{Type: EventStep, JobID: jobID, WorkflowID: snapshot.WorkflowID, Step: i, Outcome: &progress})

		if err := ctx.Err(); err != nil {
			return outcome, false, errors.Wrap(err, "execution interrupted")
		}
	}

	return outcome, false, nil
}

// runStep renders and dispatches step for every recipient. Entries for
// recipients not attempted (context done) stay nil.
func (o *Orchestrator) runStep(ctx context.Context, step campaign.Step, recipients []campaign.Recipient, log *zap.SugaredLogger) []*dispatch.Result {
	results := make([]*dispatch.Result, len(recipients))
	var unresolvedOnce sync.Once

	var g errgroup.Group
	g.SetLimit(o.config.RecipientConcurrency)
	for idx, rcpt := range recipients {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rendered := o.renderer.Render(step, rcpt)
			if len(rendered.Unresolved) > 0 {
				unresolvedOnce.Do(func() {
					log.Warnw("Template variables without recipient value", "variables", rendered.Unresolved, "template", step.TemplateRef)
				})
			}
			res := o.dispatcher.Dispatch(ctx, dispatch.Message{
				TemplateRef: step.TemplateRef,
				Variables:   rendered.Variables,
				PlainText:   rendered.PlainText,
			}, rcpt, o.config.Preference)
			results[idx] = &res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) broadcast(e Event) {
	if e.Time.IsZero() {
		e.Time = o.clock()
	}
	o.broadcaster.Broadcast(e)
}
