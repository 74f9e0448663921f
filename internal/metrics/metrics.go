// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "refactor"

// Metrics holds every collector the service records into.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPResponseSize     *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// ProvisionsTotal counts provision outcomes by terminal status
	// ("ready" or "failed").
	ProvisionsTotal *prometheus.CounterVec

	// ActiveStreams gauges open SSE streams by kind ("agent", "logs").
	ActiveStreams *prometheus.GaugeVec

	// AgentRequestsTotal counts relay calls to in-container agents by
	// operation and outcome.
	AgentRequestsTotal *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics set, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by endpoint, method and status.",
			}, []string{"endpoint", "method", "status"}),

			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "method"}),

			HTTPResponseSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response body size.",
				Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
			}, []string{"endpoint"}),

			HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "In-flight HTTP requests.",
			}),

			ProvisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Provision attempts by terminal outcome.",
			}, []string{"outcome"}),

			ActiveStreams: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Open SSE streams by kind.",
			}, []string{"kind"}),

			AgentRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_requests_total",
				Help:      "Relay calls to in-container agents.",
			}, []string{"operation", "outcome"}),
		}
	})
	return instance
}

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, status int, duration time.Duration, size int) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(size))
}
