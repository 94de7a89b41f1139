package clone

import "github.com/prometheus/client_golang/prometheus"

const namespace = "basalt"
const subsystem = "clone"

type metrics struct {
	clones      *prometheus.CounterVec
	copiedBytes prometheus.Counter
	copySeconds prometheus.Histogram
	active      prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		clones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Number of completed clone tasks by status.",
		}, []string{"status"}),
		copiedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "copied_bytes_total",
			Help:      "Bytes downloaded from source peers by clone tasks.",
		}),
		copySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "copy_duration_seconds",
			Help:      "Wall clock seconds spent downloading snapshot files.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_tasks",
			Help:      "Clone tasks currently running.",
		}),
	}
}

// collectors returns the metrics owned by the clone service.
func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.clones,
		m.copiedBytes,
		m.copySeconds,
		m.active,
	}
}
