// Package async runs job executions off the trigger path. The trigger only
// submits due jobs; a bounded pool of workers executes them, so a run that
// waits between steps never delays the next trigger cycle.
package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
)

// pulseLogger tags opening (✿) and closing (❀) lifecycle events.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// JobExecutor runs one job to completion.
type JobExecutor interface {
	Execute(ctx context.Context, job *schedule.ScheduledJob) error
}

// ExecutorFunc adapts a function to JobExecutor.
type ExecutorFunc func(ctx context.Context, job *schedule.ScheduledJob) error

// Execute implements JobExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, job *schedule.ScheduledJob) error {
	return f(ctx, job)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	// StopTimeout bounds how long Stop waits for running executions.
	StopTimeout time.Duration `json:"stop_timeout"`
	// OnDone is called after every execution, from the worker goroutine.
	OnDone func(job *schedule.ScheduledJob, err error) `json:"-"`
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     2,
		QueueSize:   64,
		StopTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Pool is a fixed set of workers fed by a bounded queue. A job id is accepted
// once until its execution finishes, so redundant triggers do not pile up
// duplicate submissions; the store's conditional claim still decides who runs.
type Pool struct {
	executor JobExecutor
	config   PoolConfig
	queue    chan *schedule.ScheduledJob
	logger   pulseLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	running       bool
	inFlight      map[string]bool
	activeWorkers int
	processed     int64
	failed        int64
}

// NewPool creates a pool. Cancelling ctx stops the workers.
func NewPool(ctx context.Context, executor JobExecutor, cfg PoolConfig, log *zap.SugaredLogger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		executor:  executor,
		config:    cfg,
		queue:     make(chan *schedule.ScheduledJob, cfg.QueueSize),
		logger:    pulseLogger{logger.AddPulseSymbol(log.Named("async"))},
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		inFlight:  make(map[string]bool),
	}
}

// Start launches the workers. Starting a stopped pool creates a fresh context.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	select {
	case <-p.ctx.Done():
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	p.running = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx, i)
	}
	p.logger.Starting("Worker pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// Stop cancels the workers and waits up to StopTimeout for running executions.
// Jobs still queued are dropped; they stay pending in the store.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Closing("Worker pool stopped")
	case <-time.After(p.config.StopTimeout):
		p.logger.Warnw("Worker pool stop timed out, executions still running", "timeout", p.config.StopTimeout)
	}

	p.drain()
}

// drain forgets queued jobs so a restarted pool accepts them again.
func (p *Pool) drain() {
	for {
		select {
		case job := <-p.queue:
			p.mu.Lock()
			delete(p.inFlight, job.ID)
			p.mu.Unlock()
		default:
			return
		}
	}
}

// Submit queues job. It returns false when the pool is stopped, the job is
// already queued or running, or the queue is full.
func (p *Pool) Submit(job *schedule.ScheduledJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.inFlight[job.ID] {
		return false
	}
	select {
	case p.queue <- job:
		p.inFlight[job.ID] = true
		return true
	default:
		p.logger.Warnw("Worker queue full, job left for next cycle", logger.FieldJobID, job.ID)
		return false
	}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.config.Workers
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:   p.config.Workers,
		Active:    p.activeWorkers,
		Queued:    len(p.queue),
		InFlight:  len(p.inFlight),
		Processed: p.processed,
		Failed:    p.failed,
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			err := p.run(ctx, job)
			if err == nil || ctx.Err() != nil {
				errorCount = 0
				backoff = time.Second
				continue
			}

			// Store outages fail every job; slow down instead of spinning through the queue
			errorCount++
			p.logger.Errorw("Execution error",
				"worker_id", id,
				logger.FieldJobID, job.ID,
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				p.logger.Warnw("Worker backing off", "worker_id", id, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, job *schedule.ScheduledJob) error {
	p.mu.Lock()
	p.activeWorkers++
	p.mu.Unlock()

	err := p.executor.Execute(ctx, job)

	p.mu.Lock()
	p.activeWorkers--
	p.processed++
	if err != nil {
		p.failed++
	}
	delete(p.inFlight, job.ID)
	p.mu.Unlock()

	if p.config.OnDone != nil {
		p.config.OnDone(job, err)
	}
	return err
}
