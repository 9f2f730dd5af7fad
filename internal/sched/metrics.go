package sched

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	SubmissionsTotal    *prometheus.CounterVec
	ToolRequestsTotal   *prometheus.CounterVec
	InvestigationsTotal *prometheus.CounterVec
	InvestigationSecs   *prometheus.HistogramVec
	PreemptionsTotal    prometheus.Counter
	RunningGauge        prometheus.Gauge
	QueueGauge          prometheus.Gauge
	BurstGauge          prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_sched_submissions_total",
			Help: "Admission outcomes for triage-confirmed anomalies.",
		}, []string{"disposition"}),
		ToolRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_sched_tool_requests_total",
			Help: "Broker tool requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_sched_investigations_total",
			Help: "Investigations finished, by outcome.",
		}, []string{"outcome"}),
		InvestigationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seraph_sched_investigation_duration_seconds",
			Help:    "Wall time from start to completion or termination.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"outcome"}),
		PreemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_sched_preemptions_total",
			Help: "Running investigations displaced by higher-priority alerts.",
		}),
		RunningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_sched_running_investigations",
			Help: "Investigations currently holding a worker.",
		}),
		QueueGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_sched_queue_size",
			Help: "Alerts waiting in the priority queue.",
		}),
		BurstGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_sched_burst_active",
			Help: "1 while burst mode is raising the concurrency cap.",
		}),
	}
	reg.MustRegister(
		m.SubmissionsTotal, m.ToolRequestsTotal, m.InvestigationsTotal,
		m.InvestigationSecs, m.PreemptionsTotal,
		m.RunningGauge, m.QueueGauge, m.BurstGauge,
	)
	return m
}

func (m *Metrics) submission(disposition string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(disposition).Inc()
}

func (m *Metrics) toolRequest(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolRequestsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) investigationDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvestigationsTotal.WithLabelValues(outcome).Inc()
	m.InvestigationSecs.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) preemption() {
	if m == nil {
		return
	}
	m.PreemptionsTotal.Inc()
}

func (m *Metrics) burst(active bool) {
	if m == nil {
		return
	}
	if active {
		m.BurstGauge.Set(1)
	} else {
		m.BurstGauge.Set(0)
	}
}

func (m *Metrics) gauges(running, queued int, burst bool) {
	if m == nil {
		return
	}
	m.RunningGauge.Set(float64(running))
	m.QueueGauge.Set(float64(queued))
	m.burst(burst)
}
