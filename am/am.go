// Package am is herald's configuration: typed config sections, defaults, the
// system -> user -> project -> environment cascade, validation, source
// introspection for `herald am show` and a file watcher for live toggles.
package am

import "time"

// Config represents the herald configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Business  BusinessConfig  `mapstructure:"business"`
	Pulse     PulseConfig     `mapstructure:"pulse"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Render    RenderConfig    `mapstructure:"render"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the ops HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when server.port is omitted.
const DefaultServerPort = 8787

// BusinessConfig holds the zone wall-clock schedules are written in.
type BusinessConfig struct {
	Timezone string `mapstructure:"timezone"` // IANA name or common abbreviation (WIB, PST, ...)
}

// PulseConfig configures the scheduling engine
type PulseConfig struct {
	Workers               int `mapstructure:"workers"`                 // concurrent job executions
	QueueSize             int `mapstructure:"queue_size"`              // submitted jobs waiting for a worker
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // trigger cadence
	DueToleranceSeconds   int `mapstructure:"due_tolerance_seconds"`   // how early a job may fire
	StuckThresholdSeconds int `mapstructure:"stuck_threshold_seconds"` // running longer than this is failed by the sweeper
	StalePendingHours     int `mapstructure:"stale_pending_hours"`     // pending past due longer than this is failed by the sweeper
	RecipientConcurrency  int `mapstructure:"recipient_concurrency"`   // parallel sends within one step
	MaxRetries            int `mapstructure:"max_retries"`             // explicit re-queue budget per job
	RetentionDays         int `mapstructure:"retention_days"`          // 0 = keep terminal jobs forever

	// Cron expressions; empty disables the task
	SweepSchedule string `mapstructure:"sweep_schedule"`
	SyncSchedule  string `mapstructure:"sync_schedule"`
	PurgeSchedule string `mapstructure:"purge_schedule"`
}

// TickerInterval returns the trigger cadence.
func (p PulseConfig) TickerInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// DueTolerance returns the early-fire window.
func (p PulseConfig) DueTolerance() time.Duration {
	return time.Duration(p.DueToleranceSeconds) * time.Second
}

// StuckThreshold returns the running-job timeout.
func (p PulseConfig) StuckThreshold() time.Duration {
	return time.Duration(p.StuckThresholdSeconds) * time.Second
}

// StalePendingAge returns how long past due a pending job may wait.
func (p PulseConfig) StalePendingAge() time.Duration {
	return time.Duration(p.StalePendingHours) * time.Hour
}

// Retention returns how long terminal jobs are kept, 0 for forever.
func (p PulseConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// DispatchConfig configures message delivery
type DispatchConfig struct {
	TestMode           bool    `mapstructure:"test_mode"`        // simulate sends, reloadable
	FallbackEnabled    bool    `mapstructure:"fallback_enabled"` // plain-text fallback, reloadable
	SendTimeoutSeconds int     `mapstructure:"send_timeout_seconds"`
	RatePerSecond      float64 `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst              int     `mapstructure:"burst"`
	LogSink            string  `mapstructure:"log_sink"` // sqlite | redis | none

	Webhook WebhookConfig `mapstructure:"webhook"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// SendTimeout returns the per-send timeout.
func (d DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(d.SendTimeoutSeconds) * time.Second
}

// Log sink kinds
const (
	LogSinkSQLite = "sqlite"
	LogSinkRedis  = "redis"
	LogSinkNone   = "none"
)

// WebhookConfig configures the templated-message provider
type WebhookConfig struct {
	URL          string `mapstructure:"url"`
	Token        string `mapstructure:"token"`
	Language     string `mapstructure:"language"`
	AllowPrivate bool   `mapstructure:"allow_private"` // permit private/loopback targets (local gateways)
}

// SMTPConfig configures the plain-text fallback channel
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Subject  string `mapstructure:"subject"`
}

// RedisConfig configures the Redis-stream dispatch log
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// RenderConfig configures template variable resolution
type RenderConfig struct {
	Missing      string `mapstructure:"missing"` // placeholder | default
	DefaultValue string `mapstructure:"default_value"`
}

// WorkflowsConfig locates the workflow documents
type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
