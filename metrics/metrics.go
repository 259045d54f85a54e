// Package metrics provides Prometheus instrumentation for store operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the narrow interface the store records against. A nil
// Recorder disables instrumentation.
type Recorder interface {
	// ObserveOp records one store operation with its outcome
	// ("ok", "not_found", "conflict", "blob", "error") and duration.
	ObserveOp(op, outcome string, d time.Duration)

	// AddUploadBytes counts payload bytes sent to the blob host.
	AddUploadBytes(n int)

	// AddDownloadBytes counts payload bytes fetched from the blob host.
	AddDownloadBytes(n int)
}

// Collector implements Recorder on Prometheus metrics.
type Collector struct {
	ops           *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	uploadBytes   prometheus.Counter
	downloadBytes prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketchstore_ops_total",
			Help: "Store operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sketchstore_op_duration_seconds",
			Help:    "Store operation latency in seconds, including blob host calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchstore_blob_upload_bytes_total",
			Help: "Payload bytes uploaded to the blob host.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchstore_blob_download_bytes_total",
			Help: "Payload bytes downloaded from the blob host.",
		}),
	}

	reg.MustRegister(c.ops, c.opDuration, c.uploadBytes, c.downloadBytes)
	return c
}

func (c *Collector) ObserveOp(op, outcome string, d time.Duration) {
	c.ops.WithLabelValues(op, outcome).Inc()
	c.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) AddUploadBytes(n int) {
	c.uploadBytes.Add(float64(n))
}

func (c *Collector) AddDownloadBytes(n int) {
	c.downloadBytes.Add(float64(n))
}
