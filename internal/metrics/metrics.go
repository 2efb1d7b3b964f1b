package metrics

import (
	"context"
	"net/http"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fertigation"

// Metrics is a dispatcher reporter backed by a private Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	topicPublishes    *prometheus.CounterVec
	schedules         *prometheus.CounterVec
	releaseActions    *prometheus.CounterVec
	runs              prometheus.Counter
	statusWriteErrors prometheus.Counter
	dispatchDuration  prometheus.Histogram
}

// New registers the collectors. busConnected may be nil.
func New(busConnected func() bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		topicPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_publishes_total",
			Help:      "Tracked topic publishes by result.",
		}, []string{"result"}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_total",
			Help:      "Publish attempts by resulting schedule status.",
		}, []string{"status"}),
		releaseActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_actions_total",
			Help:      "On-demand release commands by action and result.",
		}, []string{"action", "result"}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_runs_total",
			Help:      "Completed dispatcher runs.",
		}),
		statusWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_write_errors_total",
			Help:      "Schedule status write-backs that failed.",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of dispatcher runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(
		m.topicPublishes, m.schedules, m.releaseActions,
		m.runs, m.statusWriteErrors, m.dispatchDuration,
		collectors.NewGoCollector(),
	)
	if busConnected != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_connected",
			Help:      "1 when the broker session is open.",
		}, func() float64 {
			if busConnected() {
				return 1
			}
			return 0
		}))
	}
	return m
}

func (m *Metrics) ReportPublish(_ context.Context, o model.PublishOutcome) error {
	failed := len(o.Result.Failed())
	m.topicPublishes.WithLabelValues("ok").Add(float64(len(o.Result.Topics) - failed))
	m.topicPublishes.WithLabelValues("failed").Add(float64(failed))
	m.schedules.WithLabelValues(string(o.Status)).Inc()
	return nil
}

func (m *Metrics) ReportSummary(_ context.Context, sum model.DispatchSummary) error {
	m.runs.Inc()
	m.statusWriteErrors.Add(float64(sum.PersistenceErrors))
	m.dispatchDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
	return nil
}

// ObserveRelease counts one release command. Rejected commands count as failed.
func (m *Metrics) ObserveRelease(res model.ReleaseActionResult) {
	result := "ok"
	if !res.Success {
		result = "failed"
	}
	m.releaseActions.WithLabelValues(string(res.Action), result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
