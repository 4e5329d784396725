// Package metrics holds the Prometheus collectors of the log pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so tests can create as many as
// they need.
type Metrics struct {
	registry *prometheus.Registry

	// IngestedEntries counts stored entries.
	IngestedEntries prometheus.Counter
	// RejectedBatches counts refused ingestion requests by reason.
	// Labels: reason (validation, unauthorized, backend, rate_limited, unknown_device)
	RejectedBatches *prometheus.CounterVec
	// PublishDuration observes backend publish latency in seconds.
	PublishDuration prometheus.Histogram
	// ActiveStreams is the number of open live log streams.
	ActiveStreams prometheus.Gauge
	// RateLimited counts rejected requests. Labels: endpoint
	RateLimited *prometheus.CounterVec
	// SlowConsumers counts live streams ended because the reader fell behind.
	SlowConsumers prometheus.Counter
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IngestedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_entries_total",
			Help:      "Number of log entries stored",
		}),
		RejectedBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_batches_total",
			Help:      "Number of rejected ingestion requests",
		}, []string{"reason"}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of backend publishes",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_live_streams",
			Help:      "Number of open live log streams",
		}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Number of requests rejected by the rate limiter",
		}, []string{"endpoint"}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Number of live streams ended because the reader fell behind",
		}),
	}
}

// RecordPublish records a successful or failed publish.
func (m *Metrics) RecordPublish(entries int, d time.Duration, err error) {
	m.PublishDuration.Observe(d.Seconds())
	if err == nil {
		m.IngestedEntries.Add(float64(entries))
	}
}

// Reject counts a refused ingestion request.
func (m *Metrics) Reject(reason string) {
	m.RejectedBatches.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
