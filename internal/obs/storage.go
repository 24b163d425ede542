package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics observes Pebble read/write/commit latencies and sizes. It
// satisfies the storage layer's MetricsHook interface.
type StorageMetrics struct {
	WriteLatency  prometheus.Histogram
	ReadLatency   prometheus.Histogram
	CommitLatency prometheus.Histogram
	BytesWritten  prometheus.Counter
	BytesRead     prometheus.Counter
}

// NewStorageMetrics builds and registers the storage collectors on reg.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coboard_storage_write_seconds",
			Help:    "Point write latency",
			Buckets: prometheus.DefBuckets,
		}),
		ReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coboard_storage_read_seconds",
			Help:    "Point read latency",
			Buckets: prometheus.DefBuckets,
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coboard_storage_commit_seconds",
			Help:    "Batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_storage_bytes_written_total",
			Help: "Bytes written through point writes",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coboard_storage_bytes_read_total",
			Help: "Bytes read through point reads",
		}),
	}
	reg.MustRegister(m.WriteLatency, m.ReadLatency, m.CommitLatency, m.BytesWritten, m.BytesRead)
	return m
}

func (m *StorageMetrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.WriteLatency.Observe(elapsed.Seconds())
	m.BytesWritten.Add(float64(bytes))
}

func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.ReadLatency.Observe(elapsed.Seconds())
	m.BytesRead.Add(float64(bytes))
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.CommitLatency.Observe(elapsed.Seconds())
}
