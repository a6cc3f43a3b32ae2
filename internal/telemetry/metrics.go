package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the research counters and histograms. A nil *Metrics is a no-op.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleScore    prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	oracleCalls   *prometheus.CounterVec
	oracleLatency *prometheus.HistogramVec
	sessions      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "cycles_total",
			Help:      "Reasoning cycles executed, by next action.",
		}, []string{"next_action"}),
		cycleScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "researcher",
			Name:      "cycle_score",
			Help:      "Evaluation score per reasoning cycle.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "oracle_calls_total",
			Help:      "Language model calls by backend, stage and outcome.",
		}, []string{"backend", "stage", "outcome"}),
		oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "researcher",
			Name:      "oracle_latency_seconds",
			Help:      "Language model call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"backend"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "sessions_total",
			Help:      "Research sessions by final outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.cycles, m.cycleScore, m.toolCalls, m.oracleCalls, m.oracleLatency, m.sessions)
	return m
}

func (m *Metrics) ObserveCycle(score float64, nextAction string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(nextAction).Inc()
	m.cycleScore.Observe(score)
}

func (m *Metrics) ObserveTool(tool string, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(err)).Inc()
}

func (m *Metrics) ObserveOracle(backend, stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(backend, stage, outcome(err)).Inc()
	m.oracleLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) ObserveSession(outcomeLabel string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcomeLabel).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
