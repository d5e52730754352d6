package am

import (
	"maps"
	"net/url"
	"slices"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/pulse"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), out of range is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	if _, err := geotime.LoadZone(c.Business.Timezone); err != nil {
		return errors.Wrapf(err, "business.timezone %q", c.Business.Timezone)
	}

	if err := c.Pulse.validate(); err != nil {
		return err
	}
	if err := c.Dispatch.validate(); err != nil {
		return err
	}

	switch c.Render.Missing {
	case "placeholder", "default":
	default:
		return errors.Newf("render.missing must be placeholder or default, got %q", c.Render.Missing)
	}
	return nil
}

func (p PulseConfig) validate() error {
	// Zero means zero: no workers, no ticking, no early window
	nonNegative := map[string]int{
		"pulse.workers":                 p.Workers,
		"pulse.queue_size":              p.QueueSize,
		"pulse.ticker_interval_seconds": p.TickerIntervalSeconds,
		"pulse.due_tolerance_seconds":   p.DueToleranceSeconds,
		"pulse.recipient_concurrency":   p.RecipientConcurrency,
		"pulse.max_retries":             p.MaxRetries,
		"pulse.retention_days":          p.RetentionDays,
	}
	for _, key := range slices.Sorted(maps.Keys(nonNegative)) {
		if nonNegative[key] < 0 {
			return errors.Newf("%s must be >= 0, got %d", key, nonNegative[key])
		}
	}
	if p.StuckThresholdSeconds <= 0 {
		return errors.Newf("pulse.stuck_threshold_seconds must be > 0, got %d", p.StuckThresholdSeconds)
	}
	if p.StalePendingHours <= 0 {
		return errors.Newf("pulse.stale_pending_hours must be > 0, got %d", p.StalePendingHours)
	}

	schedules := map[string]string{
		"pulse.sweep_schedule": p.SweepSchedule,
		"pulse.sync_schedule":  p.SyncSchedule,
		"pulse.purge_schedule": p.PurgeSchedule,
	}
	for _, key := range slices.Sorted(maps.Keys(schedules)) {
		if err := pulse.ValidateCronSpec(schedules[key]); err != nil {
			return errors.Wrap(err, key)
		}
	}
	return nil
}

func (d DispatchConfig) validate() error {
	if d.SendTimeoutSeconds <= 0 {
		return errors.Newf("dispatch.send_timeout_seconds must be > 0, got %d", d.SendTimeoutSeconds)
	}
	if d.RatePerSecond < 0 {
		return errors.Newf("dispatch.rate_per_second must be >= 0, got %g", d.RatePerSecond)
	}
	if d.Burst < 0 {
		return errors.Newf("dispatch.burst must be >= 0, got %d", d.Burst)
	}

	if d.Webhook.URL != "" {
		u, err := url.Parse(d.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Newf("dispatch.webhook.url must be an http(s) URL, got %q", d.Webhook.URL)
		}
	}
	if d.SMTP.Host != "" {
		if d.SMTP.Port <= 0 || d.SMTP.Port > 65535 {
			return errors.Newf("dispatch.smtp.port must be between 1 and 65535, got %d", d.SMTP.Port)
		}
		if d.SMTP.From == "" {
			return errors.New("dispatch.smtp.from is required when dispatch.smtp.host is set")
		}
	}

	switch d.LogSink {
	case LogSinkSQLite, LogSinkNone:
	case LogSinkRedis:
		if d.Redis.URL == "" {
			return errors.WithHint(
				errors.New("dispatch.redis.url is required when dispatch.log_sink is redis"),
				"set HERALD_DISPATCH_REDIS_URL or dispatch.redis.url")
		}
	default:
		return errors.Newf("dispatch.log_sink must be sqlite, redis or none, got %q", d.LogSink)
	}
	return nil
}
