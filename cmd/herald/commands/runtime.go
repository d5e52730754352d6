package commands

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse"
	"github.com/teranos/herald/pulse/async"
	"github.com/teranos/herald/pulse/execute"
	"github.com/teranos/herald/pulse/schedule"
	"github.com/teranos/herald/server"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "herald"

// runtime is the fully wired engine stack shared by the commands.
type runtime struct {
	cfg        *am.Config
	db         *sql.DB
	zone       *geotime.Zone
	store      *schedule.Store
	provider   campaign.Provider
	dispatcher *dispatch.Dispatcher
	logStore   *dispatch.LogStore // nil unless dispatch.log_sink = sqlite
	hub        *server.Hub
	registry   *prometheus.Registry
	engine     *pulse.Engine

	closers []func() error
}

// newRuntime opens the database and builds every component from cfg.
func newRuntime(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*runtime, error) {
	zone, err := geotime.LoadZone(cfg.Business.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "invalid business.timezone")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, db: database, zone: zone}
	rt.closers = append(rt.closers, database.Close)

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pulse.InitPrometheusMetrics(metricsNamespace, rt.registry)

	primary, fallback := dispatch.NewChannels(dispatch.ChannelConfig{
		Webhook: dispatch.WebhookConfig{
			URL:      cfg.Dispatch.Webhook.URL,
			Token:    cfg.Dispatch.Webhook.Token,
			Language: cfg.Dispatch.Webhook.Language,
		},
		AllowPrivate: cfg.Dispatch.Webhook.AllowPrivate,
		SMTP: dispatch.SMTPConfig{
			Host:     cfg.Dispatch.SMTP.Host,
			Port:     cfg.Dispatch.SMTP.Port,
			Username: cfg.Dispatch.SMTP.Username,
			Password: cfg.Dispatch.SMTP.Password,
			From:     cfg.Dispatch.SMTP.From,
			Subject:  cfg.Dispatch.SMTP.Subject,
		},
	}, dispatch.Options{Timeout: cfg.Dispatch.SendTimeout()})
	if primary == nil && fallback == nil && !cfg.Dispatch.TestMode {
		log.Warnw("No dispatch channel configured, every send will fail",
			"hint", "set dispatch.webhook.url or dispatch.smtp.host, or enable dispatch.test_mode")
	}
	rt.dispatcher = dispatch.New(primary, fallback, dispatch.Options{
		TestMode:        cfg.Dispatch.TestMode,
		FallbackEnabled: cfg.Dispatch.FallbackEnabled,
		Timeout:         cfg.Dispatch.SendTimeout(),
		RatePerSecond:   cfg.Dispatch.RatePerSecond,
		Burst:           cfg.Dispatch.Burst,
		Observer:        metrics,
	}, logger.AddDispatchSymbol(log.Named("dispatch")))

	sink, err := rt.openSink(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	renderer, err := campaign.NewRenderer(cfg.Render.Missing, cfg.Render.DefaultValue)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.store = schedule.NewStore(database, zone, log.Named("schedule"))
	rt.provider = campaign.NewDirProvider(cfg.Workflows.Dir, log.Named("workflows"))
	rt.hub = server.NewHub(cfg.GetServerAllowedOrigins(), log.Named("ws"))

	orchestrator := execute.New(
		rt.store,
		campaign.NewContactStore(database),
		renderer,
		rt.dispatcher,
		sink,
		execute.Config{RecipientConcurrency: cfg.Pulse.RecipientConcurrency},
		log.Named("execute"),
		execute.WithBroadcaster(rt.hub),
	)

	rt.engine = pulse.NewEngine(rt.store, rt.provider, orchestrator, pulse.Config{
		MaxRetries: cfg.Pulse.MaxRetries,
		Tolerance:  cfg.Pulse.DueTolerance(),
		Sweep: schedule.SweepConfig{
			StuckThreshold:  cfg.Pulse.StuckThreshold(),
			StalePendingAge: cfg.Pulse.StalePendingAge(),
		},
		Retention: cfg.Pulse.Retention(),
	}, log.Named("pulse"), pulse.WithMetrics(metrics))

	return rt, nil
}

func (rt *runtime) openSink(ctx context.Context) (dispatch.LogSink, error) {
	switch rt.cfg.Dispatch.LogSink {
	case am.LogSinkNone:
		return dispatch.NopSink{}, nil
	case am.LogSinkRedis:
		r := rt.cfg.Dispatch.Redis
		sink, err := dispatch.DialRedisSink(ctx, r.URL, r.Stream, r.MaxLen)
		if err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "failed to open redis dispatch log"),
				"check dispatch.redis.url or set dispatch.log_sink = \"sqlite\"")
		}
		rt.closers = append(rt.closers, sink.Close)
		return sink, nil
	default:
		rt.logStore = dispatch.NewLogStore(rt.db)
		return rt.logStore, nil
	}
}

// runtimeConfig is the background machinery configuration for Engine.Start.
func (rt *runtime) runtimeConfig() pulse.RuntimeConfig {
	p := rt.cfg.Pulse
	return pulse.RuntimeConfig{
		Pool: async.PoolConfig{
			Workers:   p.Workers,
			QueueSize: p.QueueSize,
		},
		Ticker: pulse.TickerConfig{Interval: p.TickerInterval()},
		Maintenance: pulse.MaintenanceConfig{
			SweepSchedule: p.SweepSchedule,
			SyncSchedule:  p.SyncSchedule,
			PurgeSchedule: p.PurgeSchedule,
		},
	}
}

// serverDeps exposes the runtime to the ops API.
func (rt *runtime) serverDeps() server.Deps {
	deps := server.Deps{
		Engine:   rt.engine,
		Provider: rt.provider,
		Gatherer: rt.registry,
		Hub:      rt.hub,
	}
	if rt.logStore != nil {
		deps.Logs = rt.logStore
	}
	return deps
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	rt.closers = nil
}
