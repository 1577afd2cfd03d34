package metrics

import "github.com/prometheus/client_golang/prometheus"

// WatcherMetrics holds Prometheus metrics for the change feed watcher.
type WatcherMetrics struct {
	EventsForwarded *prometheus.CounterVec
	EventsSkipped   prometheus.Counter
	Reconnects      prometheus.Counter
	Resyncs         prometheus.Counter
	Connected       prometheus.Gauge
}

// NewWatcherMetrics creates and registers watcher metrics on the given registry.
func NewWatcherMetrics(reg prometheus.Registerer) *WatcherMetrics {
	m := &WatcherMetrics{
		EventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_forwarded_total",
			Help:      "Total number of change events forwarded to the registry, by operation.",
		}, []string{"operation"}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_skipped_total",
			Help:      "Total number of feed notifications with an unknown operation.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "reconnects_total",
			Help:      "Total number of feed reopen attempts after a disconnect.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "resyncs_total",
			Help:      "Total number of full resyncs caused by an expired resume token.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "connected",
			Help:      "1 while a change feed is open, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.EventsForwarded, m.EventsSkipped, m.Reconnects, m.Resyncs, m.Connected)
	return m
}
