// Package metrics exports reindex scheduler events as Prometheus metrics on
// a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"canvasindex/internal/reindex"
)

const namespace = "canvasindex"

// Metrics implements reindex.Observer.
type Metrics struct {
	reg *prometheus.Registry

	events   *prometheus.CounterVec
	runs     *prometheus.HistogramVec
	failures *prometheus.CounterVec
	flushes  prometheus.Histogram
	delays   *prometheus.HistogramVec
}

var _ reindex.Observer = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		// Labels: type (schedule, run:start, cooldown:defer, ...)
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_total",
			Help:      "Scheduler lifecycle events by type",
		}, []string{"type"}),
		// Labels: mode (replies, full)
		runs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Reindex run duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_failures_total",
			Help:      "Failed reindex runs",
		}, []string{"mode"}),
		flushes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "flush_duration_seconds",
			Help:      "Flush duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		// Labels: kind (cooldown)
		delays: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "deferral_seconds",
			Help:      "Wait armed for a deferred request",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterGauge exposes fn as a gauge, read at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) Observe(e reindex.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case reindex.EventRunEnd:
		mode := e.Mode.String()
		m.runs.WithLabelValues(mode).Observe(e.Duration.Seconds())
		if e.Err != nil {
			m.failures.WithLabelValues(mode).Inc()
		}
	case reindex.EventFlushEnd:
		m.flushes.Observe(e.Duration.Seconds())
	case reindex.EventCooldownDefer:
		m.delays.WithLabelValues("cooldown").Observe(e.Delay.Seconds())
	}
}
