package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/logger"
)

// Recovery reasons recorded in errorMessage.
const (
	ReasonExecutionTimeout = "execution timeout"
	ReasonStalePending     = "stale pending job never triggered"
)

// SweepConfig holds the sweeper thresholds.
type SweepConfig struct {
	// StuckThreshold is how long a job may stay running.
	StuckThreshold time.Duration
	// StalePendingAge is how far past its scheduledAt a pending job may be.
	StalePendingAge time.Duration
}

// DefaultSweepConfig returns the production thresholds.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		StuckThreshold:  5 * time.Minute,
		StalePendingAge: 24 * time.Hour,
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Recovered int `json:"recovered"` // running jobs failed with ReasonExecutionTimeout
	Purged    int `json:"purged"`    // pending jobs failed with ReasonStalePending
}

// Sweeper fails jobs that will never finish on their own. Every write is
// conditional on the job's current status, so overlapping sweeps and sweeps
// racing a live execution change each job at most once.
type Sweeper struct {
	store  *Store
	config SweepConfig
	logger *zap.SugaredLogger
}

// NewSweeper creates a sweeper. Zero thresholds take the defaults.
func NewSweeper(store *Store, config SweepConfig, log *zap.SugaredLogger) *Sweeper {
	def := DefaultSweepConfig()
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = def.StuckThreshold
	}
	if config.StalePendingAge <= 0 {
		config.StalePendingAge = def.StalePendingAge
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sweeper{store: store, config: config, logger: log}
}

// Config returns the effective thresholds.
func (s *Sweeper) Config() SweepConfig {
	return s.config
}

// Sweep recovers stuck running jobs and fails stale pending ones, as of now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	stuck, err := s.store.FindStaleRunning(ctx, now.Add(-s.config.StuckThreshold))
	if err != nil {
		return result, err
	}
	for _, job := range stuck {
		_, applied, err := s.store.Advance(ctx, job, StatusFailed, TransitionContext{
			Now:          now,
			ErrorMessage: ReasonExecutionTimeout,
		})
		if err != nil {
			return result, err
		}
		if applied {
			result.Recovered++
			s.logger.Warnw("Recovered stuck job",
				logger.FieldJobID, job.ID,
				logger.FieldWorkflowID, job.WorkflowID,
				"executed_at", job.ExecutedAt)
		}
	}

	stale, err := s.store.FindStalePending(ctx, now.Add(-s.config.StalePendingAge))
	if err != nil {
		return result, err
	}
	for _, job := range stale {
		_, applied, err := s.store.Advance(ctx, job, StatusFailed, TransitionContext{
			Now:          now,
			ErrorMessage: ReasonStalePending,
			Recovery:     true,
		})
		if err != nil {
			return result, err
		}
		if applied {
			result.Purged++
			s.logger.Warnw("Failed stale pending job",
				logger.FieldJobID, job.ID,
				logger.FieldWorkflowID, job.WorkflowID,
				logger.FieldScheduledAt, job.ScheduledAt)
		}
	}

	if result.Recovered > 0 || result.Purged > 0 {
		s.logger.Infow("Sweep finished",
			logger.FieldRecovered, result.Recovered,
			logger.FieldPurged, result.Purged)
	}
	return result, nil
}
