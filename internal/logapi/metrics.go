package logapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the ingress Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	FragmentsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_ingress_requests_total",
			Help: "Ingress requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		FragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_ingress_log_fragments_total",
			Help: "Fluent-Bit concatenation fragments by validity.",
		}, []string{"valid"}),
	}
	reg.MustRegister(m.RequestsTotal, m.FragmentsTotal)
	return m
}

func (m *Metrics) request(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) fragment(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.FragmentsTotal.WithLabelValues("true").Inc()
	} else {
		m.FragmentsTotal.WithLabelValues("false").Inc()
	}
}
