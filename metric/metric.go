// Package metric wires the engine's counters and gauges into Prometheus.
// Statistics the dispatcher keeps for itself are always on; this package
// is the optional external view.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all engine-level metrics.
type Metrics struct {
	ImagesProcessed prometheus.Counter
	ImagesFailed    prometheus.Counter
	Hits            prometheus.Counter
	Crystals        prometheus.Counter
	ChunksWritten   prometheus.Counter
	WorkerStalls    prometheus.Counter

	WorkersAlive prometheus.Gauge
	QueueDepth   prometheus.Gauge

	StageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the engine metrics on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		ImagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "images",
			Name:      "processed_total",
			Help:      "Total number of images processed",
		}),
		ImagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "images",
			Name:      "failed_total",
			Help:      "Total number of images that failed processing",
		}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "images",
			Name:      "hits_total",
			Help:      "Total number of images passing the peak-count threshold",
		}),
		Crystals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "indexing",
			Name:      "crystals_total",
			Help:      "Total number of crystals accepted",
		}),
		ChunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "stream",
			Name:      "chunks_written_total",
			Help:      "Total number of chunks written to the output stream",
		}),
		WorkerStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diffract",
			Subsystem: "workers",
			Name:      "stalls_total",
			Help:      "Total number of workers replaced after a heartbeat stall",
		}),
		WorkersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diffract",
			Subsystem: "workers",
			Name:      "alive",
			Help:      "Number of live workers",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diffract",
			Subsystem: "dispatch",
			Name:      "reorder_depth",
			Help:      "Chunks held in the reorder buffer",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "diffract",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"stage"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ImagesProcessed, m.ImagesFailed, m.Hits, m.Crystals,
		m.ChunksWritten, m.WorkerStalls,
		m.WorkersAlive, m.QueueDepth, m.StageDuration,
	)
	return m
}

// Registry exposes the private registry for the monitor handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
