package pulse

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
)

// MaintenanceConfig holds the cron expressions of the housekeeping tasks.
// Standard five-field expressions and descriptors ("@every 2m", "@daily")
// are accepted; an empty expression disables the task.
type MaintenanceConfig struct {
	SweepSchedule string
	SyncSchedule  string
	PurgeSchedule string
}

// DefaultMaintenanceConfig returns the production cadences.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepSchedule: "@every 2m",
		SyncSchedule:  "@every 5m",
		PurgeSchedule: "@daily",
	}
}

// MaintenanceTarget is what the maintenance tasks call. Engine implements it.
type MaintenanceTarget interface {
	ForceSweep(ctx context.Context, now *time.Time) (schedule.SweepResult, error)
	Sync(ctx context.Context) (SyncResult, error)
	PurgeHistory(ctx context.Context) (int64, error)
}

// MaintenanceTask is one registered task, for status output.
type MaintenanceTask struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Maintenance runs sweep, sync and purge on cron schedules.
type Maintenance struct {
	cron    *cron.Cron
	target  MaintenanceTarget
	logger  *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	specs   map[string]string
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronSpec reports whether spec is an accepted maintenance schedule.
func ValidateCronSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", spec, err)
	}
	return nil
}

// NewMaintenance registers the configured tasks. Nothing runs until Start.
func NewMaintenance(target MaintenanceTarget, cfg MaintenanceConfig, log *zap.SugaredLogger) (*Maintenance, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Maintenance{
		cron:    cron.New(cron.WithParser(cronParser)),
		target:  target,
		logger:  logger.AddPulseSymbol(log),
		ctx:     context.Background(),
		cancel:  func() {},
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}

	tasks := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"sweep", cfg.SweepSchedule, m.sweep},
		{"sync", cfg.SyncSchedule, m.sync},
		{"purge", cfg.PurgeSchedule, m.purge},
	}
	for _, task := range tasks {
		spec := strings.TrimSpace(task.spec)
		if spec == "" {
			continue
		}
		run := task.run
		id, err := m.cron.AddFunc(spec, func() { run(m.ctx) })
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "%s schedule %q: %v", task.name, spec, err)
		}
		m.entries[task.name] = id
		m.specs[task.name] = spec
	}
	return m, nil
}

// Start runs the cron loop until Stop. Tasks receive a context derived from ctx.
func (m *Maintenance) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Start()
	m.logger.Infow("Maintenance scheduler started", logger.FieldCount, len(m.entries))
}

// Stop halts the scheduler and waits for running tasks.
func (m *Maintenance) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
	m.logger.Infow("Maintenance scheduler stopped")
}

// Tasks lists the registered tasks ordered by name.
func (m *Maintenance) Tasks() []MaintenanceTask {
	var tasks []MaintenanceTask
	for _, name := range []string{"purge", "sweep", "sync"} {
		id, ok := m.entries[name]
		if !ok {
			continue
		}
		e := m.cron.Entry(id)
		tasks = append(tasks, MaintenanceTask{Name: name, Schedule: m.specs[name], Next: e.Next, Prev: e.Prev})
	}
	return tasks
}

func (m *Maintenance) sweep(ctx context.Context) {
	result, err := m.target.ForceSweep(ctx, nil)
	if err != nil {
		m.logger.Warnw("Scheduled sweep failed", logger.FieldError, err)
		return
	}
	if result.Recovered > 0 {
		m.logger.Infow("Scheduled sweep", logger.FieldRecovered, result.Recovered)
	}
}

func (m *Maintenance) sync(ctx context.Context) {
	if _, err := m.target.Sync(ctx); err != nil {
		m.logger.Warnw("Scheduled workflow sync failed", logger.FieldError, err)
	}
}

func (m *Maintenance) purge(ctx context.Context) {
	if _, err := m.target.PurgeHistory(ctx); err != nil {
		m.logger.Warnw("Scheduled history purge failed", logger.FieldError, err)
	}
}
