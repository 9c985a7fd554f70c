// Package metrics exposes Prometheus counters for transfer activity.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	chunksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfer",
			Subsystem: "chunks",
			Name:      "sent_total",
			Help:      "Chunks sent, by stream direction and chunk type.",
		},
		[]string{"direction", "type"},
	)
	chunksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfer",
			Subsystem: "chunks",
			Name:      "received_total",
			Help:      "Chunks received, by stream direction and chunk type.",
		},
		[]string{"direction", "type"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfer",
			Subsystem: "transfers",
			Name:      "retries_total",
			Help:      "Chunks resent after a timeout or stream error.",
		},
		[]string{"direction"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfer",
			Subsystem: "transfers",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved in DATA chunks.",
		},
		[]string{"direction"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xfer",
			Subsystem: "transfers",
			Name:      "finished_total",
			Help:      "Finished transfers, by direction and final status.",
		},
		[]string{"direction", "status"},
	)
	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xfer",
			Subsystem: "transfers",
			Name:      "duration_seconds",
			Help:      "Transfer duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction", "status"},
	)
	active = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xfer",
			Subsystem: "transfers",
			Name:      "active",
			Help:      "Transfers currently registered.",
		},
		[]string{"direction"},
	)
)

// RegisterMetrics registers all collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(chunksSent, chunksReceived, retries, payloadBytes,
			transfers, transferDuration, active)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordChunkSent(direction, chunkType string) {
	RegisterMetrics()
	chunksSent.WithLabelValues(direction, chunkType).Inc()
}

func RecordChunkReceived(direction, chunkType string) {
	RegisterMetrics()
	chunksReceived.WithLabelValues(direction, chunkType).Inc()
}

func RecordRetry(direction string) {
	RegisterMetrics()
	retries.WithLabelValues(direction).Inc()
}

func RecordPayload(direction string, n int) {
	RegisterMetrics()
	payloadBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordTransferStarted(direction string) {
	RegisterMetrics()
	active.WithLabelValues(direction).Inc()
}

func RecordTransferFinished(direction, status string, duration time.Duration) {
	RegisterMetrics()
	active.WithLabelValues(direction).Dec()
	transfers.WithLabelValues(direction, status).Inc()
	transferDuration.WithLabelValues(direction, status).Observe(duration.Seconds())
}
