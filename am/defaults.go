package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "herald.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("business.timezone", "UTC")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.queue_size", 64)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.due_tolerance_seconds", 300)    // 5 minutes early at most
	v.SetDefault("pulse.stuck_threshold_seconds", 300) // workflows whose step delays reach it are rejected
	v.SetDefault("pulse.stale_pending_hours", 24)
	v.SetDefault("pulse.recipient_concurrency", 4)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.retention_days", 0)
	v.SetDefault("pulse.sweep_schedule", "@every 2m")
	v.SetDefault("pulse.sync_schedule", "@every 1m")
	v.SetDefault("pulse.purge_schedule", "@daily")

	v.SetDefault("dispatch.test_mode", false)
	v.SetDefault("dispatch.fallback_enabled", true)
	v.SetDefault("dispatch.send_timeout_seconds", 15)
	v.SetDefault("dispatch.rate_per_second", 10)
	v.SetDefault("dispatch.burst", 5)
	v.SetDefault("dispatch.log_sink", LogSinkSQLite)
	// Empty defaults register the keys so HERALD_* overrides reach Unmarshal
	v.SetDefault("dispatch.webhook.url", "")
	v.SetDefault("dispatch.webhook.token", "")
	v.SetDefault("dispatch.webhook.allow_private", false)
	v.SetDefault("dispatch.webhook.language", "en")
	v.SetDefault("dispatch.smtp.host", "")
	v.SetDefault("dispatch.smtp.username", "")
	v.SetDefault("dispatch.smtp.password", "")
	v.SetDefault("dispatch.smtp.from", "")
	v.SetDefault("dispatch.smtp.port", 587)
	v.SetDefault("dispatch.smtp.subject", "Message")
	v.SetDefault("dispatch.redis.url", "")
	v.SetDefault("dispatch.redis.stream", "herald:dispatch")
	v.SetDefault("dispatch.redis.max_len", 100000)

	v.SetDefault("render.missing", "placeholder")
	v.SetDefault("render.default_value", "")

	v.SetDefault("workflows.dir", "workflows")
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables so
// they never need to live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("dispatch.webhook.token", "HERALD_DISPATCH_WEBHOOK_TOKEN")
	v.BindEnv("dispatch.smtp.password", "HERALD_DISPATCH_SMTP_PASSWORD")
	v.BindEnv("dispatch.redis.url", "HERALD_DISPATCH_REDIS_URL")
	v.BindEnv("database.path", "HERALD_DATABASE_PATH")
}

// GetServerPort returns the configured port or DefaultServerPort.
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "herald.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a short representation without secrets
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Timezone: %s, Pulse: {Workers: %d}, Dispatch: {TestMode: %t, LogSink: %s}}",
		c.Database.Path, c.Business.Timezone, c.Pulse.Workers, c.Dispatch.TestMode, c.Dispatch.LogSink)
}
