package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇集前台HTTP、调度和重试的Prometheus指标
// 同时实现retry.MetricsRecorder接口
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	endpointState    *prometheus.GaugeVec

	retryAttempts prometheus.Counter
	retryOutcomes *prometheus.CounterVec

	connectivityState   prometheus.Gauge
	connectivityLatency prometheus.Gauge
}

// NewMetrics creates the metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrichat_http_requests_total",
			Help: "Total front door HTTP requests by method, path and status code.",
		}, []string{"method", "path", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrichat_http_request_duration_seconds",
			Help:    "Front door HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrichat_http_response_size_bytes",
			Help:    "Front door HTTP response sizes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "path"}),

		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrichat_dispatch_total",
			Help: "Dispatch outcomes by endpoint and status.",
		}, []string{"endpoint", "status"}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agrichat_dispatch_duration_seconds",
			Help:    "End to end dispatch latency including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}),
		endpointState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agrichat_endpoint_state",
			Help: "Endpoint health state: 0=healthy, 1=rate_limited, 2=unavailable.",
		}, []string{"endpoint"}),

		retryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "agrichat_retry_attempts_total",
			Help: "Total retry attempts across all orchestrated operations.",
		}),
		retryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrichat_retry_outcomes_total",
			Help: "Terminal retry outcomes by status.",
		}, []string{"status"}),

		connectivityState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agrichat_connectivity_state",
			Help: "Network connectivity: 1=connected, 0=disconnected.",
		}),
		connectivityLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agrichat_connectivity_probe_latency_seconds",
			Help: "Smoothed probe latency to connectivity targets.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one front door request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, bytes int64) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.httpResponseSize.WithLabelValues(method, path).Observe(float64(bytes))
}

// RecordDispatch records one terminal dispatch outcome.
func (m *Metrics) RecordDispatch(endpoint, status string, duration time.Duration) {
	if endpoint == "" {
		endpoint = "none"
	}
	m.dispatchTotal.WithLabelValues(endpoint, status).Inc()
	m.dispatchDuration.Observe(duration.Seconds())
}

// SetEndpointState mirrors the health registry state for one endpoint.
func (m *Metrics) SetEndpointState(endpoint string, state float64) {
	m.endpointState.WithLabelValues(endpoint).Set(state)
}

// RecordRetryAttempt implements retry.MetricsRecorder.
func (m *Metrics) RecordRetryAttempt(operationID string) {
	m.retryAttempts.Inc()
}

// RecordRetryOutcome implements retry.MetricsRecorder.
func (m *Metrics) RecordRetryOutcome(status string) {
	m.retryOutcomes.WithLabelValues(status).Inc()
}

// SetConnectivity mirrors the current connectivity snapshot.
func (m *Metrics) SetConnectivity(connected bool, avgLatencySeconds float64) {
	if connected {
		m.connectivityState.Set(1)
	} else {
		m.connectivityState.Set(0)
	}
	m.connectivityLatency.Set(avgLatencySeconds)
}
