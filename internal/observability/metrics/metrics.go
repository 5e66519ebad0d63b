package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "course_anchor"

// Metrics holds the run's collectors. Each run gets its own registry so
// nothing leaks between runs or tests.
type Metrics struct {
	registry *prometheus.Registry

	records       *prometheus.CounterVec
	anchorRetries prometheus.Counter
	stageDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records that reached a terminal state, by status.",
		}, []string{"status"}),
		anchorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_retries_total",
			Help:      "Anchor attempts retried after a confirmation timeout.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage per record.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.records, m.anchorRetries, m.stageDuration)
	return m
}

func (m *Metrics) RecordOutcome(status string) {
	m.records.WithLabelValues(status).Inc()
}

func (m *Metrics) AddAnchorRetry() {
	m.anchorRetries.Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
