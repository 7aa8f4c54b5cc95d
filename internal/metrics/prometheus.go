package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the inference service
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsHandled  prometheus.Counter
	AcceptErrors        prometheus.Counter
	ActiveConnections   prometheus.Gauge

	// Request metrics
	EmptyRequests   prometheus.Counter
	WidthMismatches prometheus.Counter
	EngineErrors    prometheus.Counter
	IOErrors        prometheus.Counter
	RequestBytes    prometheus.Histogram

	// Evaluation metrics
	Evaluations        prometheus.Counter
	EvaluationDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection metrics
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_connections_accepted_total",
			Help: "Total number of TCP connections accepted",
		}),
		ConnectionsHandled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_connections_handled_total",
			Help: "Total number of connections fully handled",
		}),
		AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_accept_errors_total",
			Help: "Total number of failed accept calls",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inference_active_connections",
			Help: "Current number of in-flight connection handlers",
		}),

		// Request metrics
		EmptyRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_empty_requests_total",
			Help: "Total number of requests with zero extractable features",
		}),
		WidthMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_width_mismatches_total",
			Help: "Total number of requests rejected for wrong feature count",
		}),
		EngineErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_engine_errors_total",
			Help: "Total number of engine evaluation failures",
		}),
		IOErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_io_errors_total",
			Help: "Total number of client stream read/write failures",
		}),
		RequestBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_request_bytes",
			Help:    "Size of inbound request payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8), // 64B to ~8KB
		}),

		// Evaluation metrics
		Evaluations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inference_evaluations_total",
			Help: "Total number of successful model evaluations",
		}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_evaluation_duration_seconds",
			Help:    "Time spent in model evaluation",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~0.4s
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_http_errors_total",
			Help: "Total number of HTTP API error responses",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordHTTPRequest records an HTTP API request with its outcome
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP API error response
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
