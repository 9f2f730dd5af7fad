package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage pool. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	LogsTotal      *prometheus.CounterVec
	TriageDuration prometheus.Histogram
	RestartsTotal  prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LogsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_triage_logs_total",
			Help: "Logs handled by the triage tier by outcome.",
		}, []string{"outcome"}),
		TriageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seraph_triage_duration_seconds",
			Help:    "Duration of per-log triage in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_triage_worker_restarts_total",
			Help: "Supervised restarts of triage workers.",
		}),
	}
	reg.MustRegister(m.LogsTotal, m.TriageDuration, m.RestartsTotal)
	return m
}

func (m *Metrics) outcome(o string) {
	if m != nil {
		m.LogsTotal.WithLabelValues(o).Inc()
	}
}

func (m *Metrics) processed(decision string, d time.Duration) {
	if m != nil {
		m.LogsTotal.WithLabelValues(decision).Inc()
		m.TriageDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) restart() {
	if m != nil {
		m.RestartsTotal.Inc()
	}
}
