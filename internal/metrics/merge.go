package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Selector decision label values.
const (
	DecisionProposed      = "proposed"
	DecisionNothing       = "nothing_eligible"
	DecisionDeferredPool  = "deferred_pool"
	DecisionDeferredQueue = "deferred_queue"
	DecisionRecheckWait   = "recheck_wait"
	DecisionStopped       = "stopped"
	DecisionNotLeader     = "not_leader"
)

// Merge outcome label values.
const (
	OutcomePart   = "part"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
)

// MergeMetrics tracks TTL merge selection and execution.
type MergeMetrics struct {
	// ActiveTTLMerges is the number of TTL merges executing now.
	ActiveTTLMerges prometheus.Gauge

	// ActiveMerges is the number of merges of any kind executing now.
	ActiveMerges prometheus.Gauge

	// Duration tracks merge execution time.
	// Labels: kind (ttl, regular), outcome (part, empty, failed)
	Duration *prometheus.HistogramVec

	// Rows counts rows handled by the evaluator.
	// Labels: table, action (dropped, reset, aggregated, written)
	Rows *prometheus.CounterVec

	// SelectorDecisions counts selector ticks by result.
	// Labels: table, decision
	SelectorDecisions *prometheus.CounterVec
}

// NewMergeMetrics registers merge metrics with the default registry.
func NewMergeMetrics() *MergeMetrics {
	return NewMergeMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMergeMetricsWithRegistry registers merge metrics with reg.
func NewMergeMetricsWithRegistry(reg prometheus.Registerer) *MergeMetrics {
	f := promauto.With(reg)
	return &MergeMetrics{
		ActiveTTLMerges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "ttl_active",
			Help:      "Number of TTL merges currently executing.",
		}),
		ActiveMerges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "active",
			Help:      "Number of merges of any kind currently executing.",
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Merge execution time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind", "outcome"}),
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "rows_total",
			Help:      "Rows handled by TTL evaluation, by action.",
		}, []string{"table", "action"}),
		SelectorDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "decisions_total",
			Help:      "Merge selector ticks by decision.",
		}, []string{"table", "decision"}),
	}
}

// MergeStarted marks a merge as executing.
func (m *MergeMetrics) MergeStarted(ttl bool) {
	if m == nil {
		return
	}
	m.ActiveMerges.Inc()
	if ttl {
		m.ActiveTTLMerges.Inc()
	}
}

// MergeFinished records a merge that left the executing state.
func (m *MergeMetrics) MergeFinished(ttl bool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveMerges.Dec()
	kind := "regular"
	if ttl {
		m.ActiveTTLMerges.Dec()
		kind = "ttl"
	}
	m.Duration.WithLabelValues(kind, outcome).Observe(durationSeconds)
}

// RecordRows adds evaluator row counts for table.
func (m *MergeMetrics) RecordRows(table string, dropped, reset, aggregated, written int) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(table, "dropped").Add(float64(dropped))
	m.Rows.WithLabelValues(table, "reset").Add(float64(reset))
	m.Rows.WithLabelValues(table, "aggregated").Add(float64(aggregated))
	m.Rows.WithLabelValues(table, "written").Add(float64(written))
}

// RecordDecision counts one selector tick.
func (m *MergeMetrics) RecordDecision(table, decision string) {
	if m == nil {
		return
	}
	m.SelectorDecisions.WithLabelValues(table, decision).Inc()
}
