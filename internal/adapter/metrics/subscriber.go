package metrics

import "github.com/prometheus/client_golang/prometheus"

// SubscriberMetrics holds Prometheus metrics for the registry and subscriber sessions.
type SubscriberMetrics struct {
	ActiveSessions    prometheus.Gauge
	Broadcasts        prometheus.Counter
	BroadcastDuration prometheus.Histogram
	MessagesSent      *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	SnapshotDocuments prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	FencedEvents      prometheus.Counter
}

// NewSubscriberMetrics creates and registers subscriber metrics on the given registry.
func NewSubscriberMetrics(reg prometheus.Registerer) *SubscriberMetrics {
	m := &SubscriberMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "active_sessions",
			Help:      "Number of registered subscriber sessions.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "broadcasts_total",
			Help:      "Total number of change events fanned out.",
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent enqueueing one event to every session.",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05},
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "messages_sent_total",
			Help:      "Total number of messages written to subscribers, by operation.",
		}, []string{"operation"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "evictions_total",
			Help:      "Total number of sessions closed by the server, by reason.",
		}, []string{"reason"}),
		SnapshotDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "snapshot_documents_total",
			Help:      "Total number of init messages sent during snapshots.",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of the snapshot phase in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		FencedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "fenced_events_total",
			Help:      "Total number of queued events dropped because the snapshot already reflected them.",
		}),
	}

	reg.MustRegister(m.ActiveSessions, m.Broadcasts, m.BroadcastDuration, m.MessagesSent,
		m.Evictions, m.SnapshotDocuments, m.SnapshotDuration, m.FencedEvents)
	return m
}
