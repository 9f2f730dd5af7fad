package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the manager's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LogsIngestedTotal prometheus.Counter
	FindingsTotal     *prometheus.CounterVec
	ChatTotal         *prometheus.CounterVec
	RingEntries       prometheus.Gauge
	RingBytes         prometheus.Gauge
	DriftCorrections  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LogsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_agent_logs_ingested_total",
			Help: "Log lines accepted at ingress and handed to triage.",
		}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_agent_findings_total",
			Help: "Triage findings routed to the scheduler.",
		}, []string{"outcome"}),
		ChatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_agent_chat_total",
			Help: "Operator chat requests.",
		}, []string{"outcome"}),
		RingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_agent_recent_logs",
			Help: "Entries in the recent-logs ring.",
		}),
		RingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_agent_recent_log_bytes",
			Help: "Bytes held by the recent-logs ring.",
		}),
		DriftCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_agent_ring_drift_corrections_total",
			Help: "Byte-accounting drift corrections on revalidation.",
		}),
	}
	reg.MustRegister(
		m.LogsIngestedTotal, m.FindingsTotal, m.ChatTotal,
		m.RingEntries, m.RingBytes, m.DriftCorrections,
	)
	return m
}

func (m *Metrics) ingested() {
	if m == nil {
		return
	}
	m.LogsIngestedTotal.Inc()
}

func (m *Metrics) finding(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.FindingsTotal.WithLabelValues("submitted").Inc()
	} else {
		m.FindingsTotal.WithLabelValues("dropped").Inc()
	}
}

func (m *Metrics) chat(outcome string) {
	if m == nil {
		return
	}
	m.ChatTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ring(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.RingEntries.Set(float64(entries))
	m.RingBytes.Set(float64(bytes))
}

func (m *Metrics) driftCorrected() {
	if m == nil {
		return
	}
	m.DriftCorrections.Inc()
}
