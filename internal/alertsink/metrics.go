package alertsink

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the alert sink. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PostsTotal      *prometheus.CounterVec
	ActiveIncidents prometheus.Gauge
	HeartbeatAlerts prometheus.Counter
}

// NewMetrics registers and returns sink metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PostsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_alertsink_posts_total",
			Help: "Total alert posts by phase and result.",
		}, []string{"phase", "result"}),
		ActiveIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seraph_alertsink_active_incidents",
			Help: "Incidents currently kept alive by the heartbeat.",
		}),
		HeartbeatAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_alertsink_heartbeat_alerts_total",
			Help: "Total alerts re-posted by the heartbeat.",
		}),
	}
	reg.MustRegister(m.PostsTotal, m.ActiveIncidents, m.HeartbeatAlerts)
	return m
}

func (m *Metrics) post(phase string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PostsTotal.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.ActiveIncidents.Set(float64(n))
	}
}

func (m *Metrics) heartbeat(n int) {
	if m != nil {
		m.HeartbeatAlerts.Add(float64(n))
	}
}
