package am

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	intPtr := func(i int) *int { return &i }

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = intPtr(0) }, wantErr: "server.port cannot be 0"},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = intPtr(70000) }, wantErr: "server.port"},
		{name: "timezone abbreviation", mutate: func(c *Config) { c.Business.Timezone = "WIB" }},
		{name: "unknown timezone", mutate: func(c *Config) { c.Business.Timezone = "Mars/Olympus" }, wantErr: "business.timezone"},
		{name: "negative workers", mutate: func(c *Config) { c.Pulse.Workers = -1 }, wantErr: "pulse.workers"},
		{name: "zero workers allowed", mutate: func(c *Config) { c.Pulse.Workers = 0 }},
		{name: "zero stuck threshold", mutate: func(c *Config) { c.Pulse.StuckThresholdSeconds = 0 }, wantErr: "pulse.stuck_threshold_seconds"},
		{name: "zero stale pending", mutate: func(c *Config) { c.Pulse.StalePendingHours = 0 }, wantErr: "pulse.stale_pending_hours"},
		{name: "bad cron", mutate: func(c *Config) { c.Pulse.SweepSchedule = "sometimes" }, wantErr: "pulse.sweep_schedule"},
		{name: "disabled cron", mutate: func(c *Config) { c.Pulse.PurgeSchedule = "" }},
		{name: "zero send timeout", mutate: func(c *Config) { c.Dispatch.SendTimeoutSeconds = 0 }, wantErr: "dispatch.send_timeout_seconds"},
		{name: "negative rate", mutate: func(c *Config) { c.Dispatch.RatePerSecond = -1 }, wantErr: "dispatch.rate_per_second"},
		{name: "webhook not http", mutate: func(c *Config) { c.Dispatch.Webhook.URL = "ftp://gateway" }, wantErr: "dispatch.webhook.url"},
		{name: "webhook ok", mutate: func(c *Config) { c.Dispatch.Webhook.URL = "https://gateway.example.com/v1/send" }},
		{name: "smtp without from", mutate: func(c *Config) { c.Dispatch.SMTP.Host = "smtp.example.com" }, wantErr: "dispatch.smtp.from"},
		{name: "redis sink without url", mutate: func(c *Config) { c.Dispatch.LogSink = LogSinkRedis }, wantErr: "dispatch.redis.url"},
		{name: "redis sink", mutate: func(c *Config) {
			c.Dispatch.LogSink = LogSinkRedis
			c.Dispatch.Redis.URL = "redis://localhost:6379/0"
		}},
		{name: "unknown sink", mutate: func(c *Config) { c.Dispatch.LogSink = "kafka" }, wantErr: "dispatch.log_sink"},
		{name: "unknown render policy", mutate: func(c *Config) { c.Render.Missing = "drop" }, wantErr: "render.missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
