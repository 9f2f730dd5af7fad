package investigate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the investigation pool. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	CompletedTotal prometheus.Counter
	Duration       prometheus.Histogram
	Turns          prometheus.Histogram
	ToolCalls      prometheus.Histogram
	ToolTimeouts   prometheus.Counter
	RestartsTotal  prometheus.Counter
}

// NewMetrics registers and returns investigation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_investigations_completed_total",
			Help: "Investigations that produced a completion.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seraph_investigation_duration_seconds",
			Help:    "Duration of investigations in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		Turns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seraph_investigation_turns",
			Help:    "Reason-act turns per investigation.",
			Buckets: prometheus.LinearBuckets(1, 1, MaxTurns+1),
		}),
		ToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seraph_investigation_tool_calls",
			Help:    "Tool calls per investigation.",
			Buckets: prometheus.LinearBuckets(0, 1, 16),
		}),
		ToolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_investigation_tool_timeouts_total",
			Help: "Broker tool calls that timed out.",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seraph_investigation_worker_restarts_total",
			Help: "Supervised restarts of crashed investigations.",
		}),
	}
	reg.MustRegister(m.CompletedTotal, m.Duration, m.Turns, m.ToolCalls, m.ToolTimeouts, m.RestartsTotal)
	return m
}

func (m *Metrics) completed(d time.Duration, turns, toolCalls int) {
	if m == nil {
		return
	}
	m.CompletedTotal.Inc()
	m.Duration.Observe(d.Seconds())
	m.Turns.Observe(float64(turns))
	m.ToolCalls.Observe(float64(toolCalls))
}

func (m *Metrics) toolTimeout() {
	if m != nil {
		m.ToolTimeouts.Inc()
	}
}

func (m *Metrics) restart() {
	if m != nil {
		m.RestartsTotal.Inc()
	}
}
