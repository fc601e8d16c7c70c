package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultStoreLatencyBuckets fit metadata and object store calls.
var DefaultStoreLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// CoordinationMetrics records coordination store calls. It implements
// metadata.Recorder.
type CoordinationMetrics struct {
	Latency  *prometheus.HistogramVec
	Requests *prometheus.CounterVec
}

// NewCoordinationMetricsWithRegistry registers coordination store metrics with reg.
func NewCoordinationMetricsWithRegistry(reg prometheus.Registerer) *CoordinationMetrics {
	f := promauto.With(reg)
	return &CoordinationMetrics{
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "operation_latency_seconds",
			Help:      "Coordination store call latency by operation and result.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"operation", "result"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "operations_total",
			Help:      "Coordination store calls by operation and result.",
		}, []string{"operation", "result"}),
	}
}

// RecordOp implements metadata.Recorder.
func (m *CoordinationMetrics) RecordOp(op string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	r := resultLabel(success)
	m.Latency.WithLabelValues(op, r).Observe(durationSeconds)
	m.Requests.WithLabelValues(op, r).Inc()
}

// ObjectStoreMetrics records object store calls. It implements
// objectstore.Recorder.
type ObjectStoreMetrics struct {
	Latency *prometheus.HistogramVec
	Bytes   *prometheus.CounterVec
}

// NewObjectStoreMetricsWithRegistry registers object store metrics with reg.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	f := promauto.With(reg)
	return &ObjectStoreMetrics{
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "operation_latency_seconds",
			Help:      "Object store call latency by operation and result.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"operation", "result"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "bytes_total",
			Help:      "Bytes transferred by operation.",
		}, []string{"operation"}),
	}
}

// RecordOp implements objectstore.Recorder.
func (m *ObjectStoreMetrics) RecordOp(op string, durationSeconds float64, success bool, bytes int64) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(op, resultLabel(success)).Observe(durationSeconds)
	if success && bytes > 0 {
		m.Bytes.WithLabelValues(op).Add(float64(bytes))
	}
}
