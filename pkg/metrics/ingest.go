package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion pipeline.
type IngestMetrics struct {
	SubmissionsTotal *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	PhotoBytes       prometheus.Histogram
	PhotosStored     prometheus.Counter
	ReadingsInserted prometheus.Counter
	DuplicateDrops   prometheus.Counter
	CacheFailures    prometheus.Counter
}

// NewIngestMetrics creates and registers ingestion pipeline metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "submissions_total",
				Help:      "Total number of ingest submissions by final status",
			},
			[]string{"status"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rejections_total",
				Help:      "Total number of rejected submissions by rejection code",
			},
			[]string{"code"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "process_duration_seconds",
				Help:      "Duration of pipeline executions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		PhotoBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "photo_bytes",
				Help:      "Size distribution of stored photos in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
		PhotosStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "photos_stored_total",
				Help:      "Total number of photos written to object storage",
			},
		),
		ReadingsInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_inserted_total",
				Help:      "Total number of reading rows written",
			},
		),
		DuplicateDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duplicate_drops_total",
				Help:      "Total number of submissions absorbed by the (site, ts) uniqueness constraint",
			},
		),
		CacheFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "cache_failures_total",
				Help:      "Total number of best-effort latest-cache update failures",
			},
		),
	}

	MustRegister(
		m.SubmissionsTotal,
		m.Rejections,
		m.ProcessDuration,
		m.PhotoBytes,
		m.PhotosStored,
		m.ReadingsInserted,
		m.DuplicateDrops,
		m.CacheFailures,
	)

	return m
}
