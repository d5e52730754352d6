package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/pulse/schedule"
)

const scheduledYAML = `
name: Ramadan promo
status: active
recipients:
  - addresses: ["+6281200000001"]
steps:
  - template: ramadan_v1
    body: "Hi {{name}}"
schedule:
  kind: scheduled
  at: "2099-03-01T10:00:00"
`

const immediateYAML = `
name: Flash sale
status: active
recipients:
  - addresses: ["+6281200000001", "+6281200000002"]
steps:
  - template: flash_v1
    body: "Flash sale starts now"
schedule:
  kind: immediate
`

func testConfig(t *testing.T, overrides map[string]interface{}) *am.Config {
	t.Helper()
	dir := t.TempDir()
	workflows := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(workflows, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workflows, "wf-ramadan.yaml"), []byte(scheduledYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workflows, "wf-flash.yaml"), []byte(immediateYAML), 0o644))

	v := viper.New()
	am.SetDefaults(v)
	v.Set("database.path", filepath.Join(dir, "herald.db"))
	v.Set("workflows.dir", workflows)
	v.Set("business.timezone", "Asia/Jakarta")
	v.Set("dispatch.test_mode", true)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRuntimeSchedulesAndRunsWorkflows(t *testing.T) {
	cfg := testConfig(t, nil)
	rt, err := newRuntime(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.logStore, "sqlite is the default dispatch log")
	assert.Equal(t, "Asia/Jakarta", rt.zone.Name())

	wf, err := rt.provider.Workflow(t.Context(), "wf-ramadan")
	require.NoError(t, err)
	job, err := rt.engine.RegisterSchedule(t.Context(), wf)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "2099-03-01T03:00:00Z", job.ScheduledAt.UTC().Format("2006-01-02T15:04:05Z"),
		"wall clock is read in the business timezone")

	flash, err := rt.provider.Workflow(t.Context(), "wf-flash")
	require.NoError(t, err)
	none, err := rt.engine.RegisterSchedule(t.Context(), flash)
	require.NoError(t, err)
	assert.Nil(t, none, "immediate workflows run without a job")

	var logged int
	require.NoError(t, rt.db.QueryRow(`SELECT COUNT(*) FROM dispatch_log WHERE workflow_id = ?`, "wf-flash").Scan(&logged))
	assert.Equal(t, 2, logged)

	summary, err := rt.engine.GetStatusSummary(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)

	pending, err := rt.store.FindByStatus(t.Context(), schedule.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wf-ramadan", pending[0].WorkflowID)
}

func TestRuntimeWithoutDispatchLog(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{"dispatch.log_sink": am.LogSinkNone})
	rt, err := newRuntime(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.logStore)
	assert.Nil(t, rt.serverDeps().Logs)
}

func TestRuntimeRedisSinkRequiresURL(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Dispatch.LogSink = am.LogSinkRedis
	cfg.Dispatch.Redis.URL = ""

	_, err := newRuntime(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestRuntimeConfigFromPulseSettings(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{
		"pulse.workers":                 5,
		"pulse.ticker_interval_seconds": 10,
		"pulse.sync_schedule":           "",
	})
	rt := &runtime{cfg: cfg}
	rc := rt.runtimeConfig()

	assert.Equal(t, 5, rc.Pool.Workers)
	assert.Equal(t, 64, rc.Pool.QueueSize)
	assert.Equal(t, "10s", rc.Ticker.Interval.String())
	assert.Equal(t, "@every 2m", rc.Maintenance.SweepSchedule)
	assert.Empty(t, rc.Maintenance.SyncSchedule)
}

func TestDispatchTogglesFollowReload(t *testing.T) {
	cfg := testConfig(t, nil)
	rt, err := newRuntime(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer rt.Close()

	var _ am.DispatchToggles = (*dispatch.Dispatcher)(nil)
	reload := am.ApplyDispatchToggles(rt.dispatcher)

	next := *cfg
	next.Dispatch.TestMode = false
	next.Dispatch.FallbackEnabled = false
	require.NoError(t, reload(&next))
	assert.False(t, rt.dispatcher.TestMode())
	assert.False(t, rt.dispatcher.FallbackEnabled())
}
