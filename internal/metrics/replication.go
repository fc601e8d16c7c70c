package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReplicationMetrics tracks the replication log and the local queue.
type ReplicationMetrics struct {
	// QueueEntries is the number of queue entries per state.
	// Labels: table, state
	QueueEntries *prometheus.GaugeVec

	// StalledEntries is the number of entries that exceeded the stall threshold.
	// Labels: table
	StalledEntries *prometheus.GaugeVec

	// Attempts counts processing attempts of queue entries.
	// Labels: table, action (execute, fetch, complete_empty), result (success, failure)
	Attempts *prometheus.CounterVec

	// FetchedBytes counts part archive bytes fetched from peers.
	FetchedBytes prometheus.Counter

	// LogAppends counts entries appended to the replication log.
	// Labels: table, kind
	LogAppends *prometheus.CounterVec

	// Leader is 1 while this replica holds the table's leader lease.
	// Labels: table
	Leader *prometheus.GaugeVec

	// AckedSeq is the highest log seq this replica has acknowledged.
	// Labels: table
	AckedSeq *prometheus.GaugeVec
}

// NewReplicationMetrics registers replication metrics with the default registry.
func NewReplicationMetrics() *ReplicationMetrics {
	return NewReplicationMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewReplicationMetricsWithRegistry registers replication metrics with reg.
func NewReplicationMetricsWithRegistry(reg prometheus.Registerer) *ReplicationMetrics {
	f := promauto.With(reg)
	return &ReplicationMetrics{
		QueueEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "queue_entries",
			Help:      "Replication queue entries by state.",
		}, []string{"table", "state"}),
		StalledEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "stalled_entries",
			Help:      "Queue entries that keep failing after sustained retries.",
		}, []string{"table"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "attempts_total",
			Help:      "Queue entry processing attempts.",
		}, []string{"table", "action", "result"}),
		FetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "fetched_bytes_total",
			Help:      "Part archive bytes fetched from peers.",
		}),
		LogAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "log_appends_total",
			Help:      "Entries appended to the replication log.",
		}, []string{"table", "kind"}),
		Leader: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "leader",
			Help:      "1 while this replica holds the table leader lease.",
		}, []string{"table"}),
		AckedSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "acked_seq",
			Help:      "Highest replication log seq acknowledged by this replica.",
		}, []string{"table"}),
	}
}

// SetQueue publishes queue sizes for table.
func (m *ReplicationMetrics) SetQueue(table string, byState map[string]int, stalled int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.QueueEntries.WithLabelValues(table, state).Set(float64(n))
	}
	m.StalledEntries.WithLabelValues(table).Set(float64(stalled))
}

// RecordAttempt counts one processing attempt.
func (m *ReplicationMetrics) RecordAttempt(table, action string, success bool) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(table, action, resultLabel(success)).Inc()
}

// RecordFetch counts bytes pulled from a peer.
func (m *ReplicationMetrics) RecordFetch(bytes int) {
	if m == nil {
		return
	}
	m.FetchedBytes.Add(float64(bytes))
}

// RecordAppend counts one log append.
func (m *ReplicationMetrics) RecordAppend(table, kind string) {
	if m == nil {
		return
	}
	m.LogAppends.WithLabelValues(table, kind).Inc()
}

// SetLeader publishes leadership for table.
func (m *ReplicationMetrics) SetLeader(table string, leader bool) {
	if m == nil {
		return
	}
	v := 0.0
	if leader {
		v = 1
	}
	m.Leader.WithLabelValues(table).Set(v)
}

// SetAcked publishes the acknowledged seq for table.
func (m *ReplicationMetrics) SetAcked(table string, seq uint64) {
	if m == nil {
		return
	}
	m.AckedSeq.WithLabelValues(table).Set(float64(seq))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
