package pulse

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/pulse/schedule"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing, so callers never need to check.
type Metrics struct {
	JobsByStatus      *prometheus.GaugeVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	CancelledTotal    *prometheus.CounterVec
	SweepRecovered    prometheus.Counter
	SweepPurged       prometheus.Counter
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	FallbackTotal     prometheus.Counter
}

// InitPrometheusMetrics creates the collectors and registers them with reg.
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Scheduled jobs by status, as of the last status summary.",
		}, []string{"status"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished job executions by final status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of one job execution, step delays included.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
		CancelledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Pending jobs cancelled by reason.",
		}, []string{"reason"}),
		SweepRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_recovered_total",
			Help:      "Running jobs failed by the sweeper after the stuck threshold.",
		}),
		SweepPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_stale_pending_total",
			Help:      "Pending jobs failed by the sweeper as never triggered.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Per-recipient deliveries by channel and result.",
		}, []string{"channel", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of one per-recipient delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		FallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_fallback_total",
			Help:      "Deliveries that used the plain-text fallback channel.",
		}),
	}

	reg.MustRegister(
		m.JobsByStatus,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CancelledTotal,
		m.SweepRecovered,
		m.SweepPurged,
		m.DispatchTotal,
		m.DispatchDuration,
		m.FallbackTotal,
	)
	return m
}

// ObserveDispatch implements dispatch.Observer.
func (m *Metrics) ObserveDispatch(r dispatch.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	channel := r.Channel
	if channel == "" {
		channel = "none"
	}
	result := "success"
	if !r.Success {
		result = "failure"
	}
	if r.TestMode {
		result = "test"
	}
	m.DispatchTotal.WithLabelValues(channel, result).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
	if r.FallbackUsed {
		m.FallbackTotal.Inc()
	}
}

// RecordExecution counts one finished execution.
func (m *Metrics) RecordExecution(status schedule.Status, elapsed time.Duration) {
	if m == nil || status == "" {
		return
	}
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.Observe(elapsed.Seconds())
}

// RecordCancelled counts one cancelled job.
func (m *Metrics) RecordCancelled(reason string) {
	if m == nil {
		return
	}
	m.CancelledTotal.WithLabelValues(reason).Inc()
}

// RecordSweep adds one sweep's results.
func (m *Metrics) RecordSweep(r schedule.SweepResult) {
	if m == nil {
		return
	}
	m.SweepRecovered.Add(float64(r.Recovered))
	m.SweepPurged.Add(float64(r.Purged))
}

// SetStatusCounts publishes per-status job counts.
func (m *Metrics) SetStatusCounts(counts map[schedule.Status]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

var _ dispatch.Observer = (*Metrics)(nil)
