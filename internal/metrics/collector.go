// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the fragment server's Prometheus metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseBytes   *prometheus.HistogramVec

	fragmentFetchesTotal   *prometheus.CounterVec
	fragmentFetchDuration  *prometheus.HistogramVec
	fragmentFallbacksTotal *prometheus.CounterVec
	fragmentTimeoutsTotal  *prometheus.CounterVec

	asyncStreamsAttached *prometheus.CounterVec
	asyncStreamsOpen     prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a Collector and registers its metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of page requests handled",
		},
		[]string{"status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time from request start to response end, in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.httpResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Total bytes written to the response, per request",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"status"},
	)

	c.fragmentFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_fetches_total",
			Help:      "Total number of fragment upstream fetches, by terminal event",
		},
		[]string{"event"}, // end, error, fallback
	)

	c.fragmentFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_fetch_duration_seconds",
			Help:      "Time from fragment dispatch to terminal event, in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"event"},
	)

	c.fragmentFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_fallbacks_total",
			Help:      "Total number of fragment requests served from a fallback URL",
		},
		[]string{"fragment_id"},
	)

	c.fragmentTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_timeouts_total",
			Help:      "Total number of fragment requests that exceeded their timeout",
		},
		[]string{"fragment_id"},
	)

	c.asyncStreamsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_stream_attachments_total",
			Help:      "Total number of sub-streams attached to the async stream, by outcome",
		},
		[]string{"outcome"}, // attached, rejected_after_plugged
	)

	c.asyncStreamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_streams_open",
			Help:      "Number of async streams currently open awaiting plugged+drained",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordRequest records one completed page request.
func (c *Collector) RecordRequest(status int, duration time.Duration, responseBytes int64) {
	s := statusClass(status)
	c.httpRequestsTotal.WithLabelValues(s).Inc()
	c.httpRequestDuration.WithLabelValues(s).Observe(duration.Seconds())
	c.httpResponseBytes.WithLabelValues(s).Observe(float64(responseBytes))
}

// RecordFragmentTerminal records a fragment's terminal event (end/error/fallback).
func (c *Collector) RecordFragmentTerminal(event string, duration time.Duration) {
	c.fragmentFetchesTotal.WithLabelValues(event).Inc()
	c.fragmentFetchDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordFragmentFallback records a fallback-URL attempt for a given fragment id.
func (c *Collector) RecordFragmentFallback(fragmentID string) {
	c.fragmentFallbacksTotal.WithLabelValues(fragmentID).Inc()
}

// RecordFragmentTimeout records a timeout for a given fragment id.
func (c *Collector) RecordFragmentTimeout(fragmentID string) {
	c.fragmentTimeoutsTotal.WithLabelValues(fragmentID).Inc()
}

// RecordAsyncAttachment records an attach attempt's outcome.
func (c *Collector) RecordAsyncAttachment(outcome string) {
	c.asyncStreamsAttached.WithLabelValues(outcome).Inc()
	if outcome == "attached" {
		c.asyncStreamsOpen.Inc()
	}
}

// RecordAsyncStreamClosed decrements the open-async-streams gauge.
func (c *Collector) RecordAsyncStreamClosed() {
	c.asyncStreamsOpen.Dec()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
