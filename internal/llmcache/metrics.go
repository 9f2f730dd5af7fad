package llmcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the response cache. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	HitsTotal        *prometheus.CounterVec
	MissesTotal      prometheus.Counter
	StoreErrorsTotal prometheus.Counter
}

// NewMetrics registers and returns cache metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seraph_cache_hits_total",
			Help: "Total cache hits by kind (exact or similar).",
		}, []string{"kind"}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_cache_misses_total",
			Help: "Total cache lookups that found nothing.",
		}),
		StoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_cache_store_errors_total",
			Help: "Total backing-store failures absorbed by the cache.",
		}),
	}
	reg.MustRegister(m.HitsTotal, m.MissesTotal, m.StoreErrorsTotal)
	return m
}

func (m *Metrics) hit(kind string) {
	if m != nil {
		m.HitsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.MissesTotal.Inc()
	}
}

func (m *Metrics) storeError() {
	if m != nil {
		m.StoreErrorsTotal.Inc()
	}
}
