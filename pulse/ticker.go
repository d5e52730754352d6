package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/logger"
)

// DueRunner hands due jobs to execution. Engine implements it.
type DueRunner interface {
	RunDue(ctx context.Context) (int, error)
}

// TickerConfig contains configuration for the trigger ticker.
type TickerConfig struct {
	Interval time.Duration // How often to look for due jobs (default: 30 seconds)
}

// DefaultTickerConfig returns the production cadence.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 30 * time.Second}
}

// TickerStats is a snapshot of the ticker's activity.
type TickerStats struct {
	LastTickAt     time.Time `json:"last_tick_at"`
	Ticks          int64     `json:"ticks"`
	LastSubmitted  int       `json:"last_submitted"`
	TotalSubmitted int64     `json:"total_submitted"`
}

// Ticker triggers due jobs on a fixed interval.
type Ticker struct {
	runner   DueRunner
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu    sync.Mutex
	stats TickerStats
}

// NewTicker creates a ticker bound to ctx.
func NewTicker(ctx context.Context, runner DueRunner, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		runner:   runner,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Trigger ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Trigger ticker stopped")
}

// Stats returns a copy of the ticker counters.
func (t *Ticker) Stats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.tick(tickTime)
		}
	}
}

func (t *Ticker) tick(at time.Time) {
	submitted, err := t.runner.RunDue(t.ctx)

	t.mu.Lock()
	t.stats.LastTickAt = at
	t.stats.Ticks++
	t.stats.LastSubmitted = submitted
	t.stats.TotalSubmitted += int64(submitted)
	ticks := t.stats.Ticks
	t.mu.Unlock()

	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		// Warn level; a broken store would otherwise flood the log every tick
		t.pulseLog.Warnw("Trigger tick error", logger.FieldError, err, "tick", ticks)
		return
	}
	if submitted > 0 {
		t.pulseLog.Infow("Due jobs submitted", logger.FieldCount, submitted, "tick", ticks)
	}
}
