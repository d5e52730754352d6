package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/pulse/schedule"
)

func job(id string) *schedule.ScheduledJob {
	return &schedule.ScheduledJob{ID: id, WorkflowID: "wf-" + id, Status: schedule.StatusPending}
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	var ran sync.Map
	var wg sync.WaitGroup
	wg.Add(3)

	exec := ExecutorFunc(func(_ context.Context, j *schedule.ScheduledJob) error {
		ran.Store(j.ID, true)
		return nil
	})
	cfg := PoolConfig{Workers: 2, OnDone: func(*schedule.ScheduledJob, error) { wg.Done() }}
	pool := NewPool(t.Context(), exec, cfg, zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, pool.Submit(job(id)))
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		_, ok := ran.Load(id)
		assert.True(t, ok, id)
	}
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPoolRejectsDuplicateWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	exec := ExecutorFunc(func(_ context.Context, j *schedule.ScheduledJob) error {
		close(started)
		<-release
		return nil
	})
	cfg := PoolConfig{Workers: 1, OnDone: func(*schedule.ScheduledJob, error) { close(done) }}
	pool := NewPool(t.Context(), exec, cfg, nil)
	pool.Start()
	defer pool.Stop()

	require.True(t, pool.Submit(job("a")))
	<-started
	assert.False(t, pool.Submit(job("a")), "running job is not accepted twice")
	assert.Equal(t, 1, pool.Stats().Active)

	close(release)
	<-done
	assert.Eventually(t, func() bool { return pool.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exec := ExecutorFunc(func(ctx context.Context, _ *schedule.ScheduledJob) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	pool := NewPool(t.Context(), exec, PoolConfig{Workers: 1, QueueSize: 1, StopTimeout: time.Second}, nil)
	pool.Start()
	defer pool.Stop()

	require.True(t, pool.Submit(job("a")))
	assert.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, pool.Submit(job("b")))
	assert.False(t, pool.Submit(job("c")))
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool(t.Context(), ExecutorFunc(func(context.Context, *schedule.ScheduledJob) error { return nil }), PoolConfig{}, nil)
	assert.False(t, pool.Submit(job("a")), "not started")

	pool.Start()
	pool.Stop()
	assert.False(t, pool.Submit(job("a")))

	pool.Start()
	defer pool.Stop()
	assert.True(t, pool.Submit(job("a")), "restart accepts work again")
}

func TestPoolCountsFailures(t *testing.T) {
	var calls atomic.Int32
	done := make(chan error, 1)
	exec := ExecutorFunc(func(context.Context, *schedule.ScheduledJob) error {
		calls.Add(1)
		return errors.New("job store unavailable")
	})
	cfg := PoolConfig{Workers: 1, OnDone: func(_ *schedule.ScheduledJob, err error) { done <- err }}
	pool := NewPool(t.Context(), exec, cfg, nil)
	pool.Start()
	defer pool.Stop()

	require.True(t, pool.Submit(job("a")))
	err := <-done
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Eventually(t, func() bool { return pool.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestDefaultPoolConfig(t *testing.T) {
	pool := NewPool(context.Background(), nil, PoolConfig{}, nil)
	assert.Equal(t, 2, pool.Workers())
	assert.Equal(t, 64, cap(pool.queue))
}
