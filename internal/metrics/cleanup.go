package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cleanup skip reasons.
const (
	SkipRetention      = "retention"
	SkipUnacknowledged = "unacknowledged"
	SkipUnconfirmed    = "unconfirmed"
)

// CleanupMetrics tracks the cleanup scanner.
type CleanupMetrics struct {
	// PartsDeleted counts physically deleted parts.
	// Labels: table
	PartsDeleted *prometheus.CounterVec

	// Skipped counts inactive parts left for a later scan.
	// Labels: table, reason
	Skipped *prometheus.CounterVec

	// LogEntriesTrimmed counts replication log entries removed.
	// Labels: table
	LogEntriesTrimmed *prometheus.CounterVec

	// ScanDuration tracks one scan of one table.
	ScanDuration prometheus.Histogram
}

// NewCleanupMetrics registers cleanup metrics with the default registry.
func NewCleanupMetrics() *CleanupMetrics {
	return NewCleanupMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCleanupMetricsWithRegistry registers cleanup metrics with reg.
func NewCleanupMetricsWithRegistry(reg prometheus.Registerer) *CleanupMetrics {
	f := promauto.With(reg)
	return &CleanupMetrics{
		PartsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "parts_deleted_total",
			Help:      "Inactive parts physically deleted.",
		}, []string{"table"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "parts_skipped_total",
			Help:      "Inactive parts not yet eligible for deletion, by reason.",
		}, []string{"table", "reason"}),
		LogEntriesTrimmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "log_entries_trimmed_total",
			Help:      "Replication log entries trimmed after every replica acknowledged them.",
		}, []string{"table"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "scan_duration_seconds",
			Help:      "Duration of one cleanup scan of one table.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordDeleted counts n deleted parts.
func (m *CleanupMetrics) RecordDeleted(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PartsDeleted.WithLabelValues(table).Add(float64(n))
}

// RecordSkipped counts one skipped candidate.
func (m *CleanupMetrics) RecordSkipped(table, reason string) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(table, reason).Inc()
}

// RecordTrimmed counts n trimmed log entries.
func (m *CleanupMetrics) RecordTrimmed(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LogEntriesTrimmed.WithLabelValues(table).Add(float64(n))
}

// ObserveScan records one scan duration.
func (m *CleanupMetrics) ObserveScan(seconds float64) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(seconds)
}
