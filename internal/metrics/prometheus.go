package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the MeshPe client engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Handset packet metrics
	PacketsReceived prometheus.Counter
	ParseErrors     prometheus.Counter
	PacketsLost     prometheus.Counter

	// Capture session metrics
	CapturesStarted prometheus.Counter
	CaptureOutcomes *prometheus.CounterVec
	CaptureDuration prometheus.Histogram
	ArtifactSize    prometheus.Histogram
	ActiveCaptures  prometheus.Gauge

	// Backend transport metrics
	BackendRequests        *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Flow metrics
	FlowTransitions *prometheus.CounterVec

	// Proximity metrics
	ProximitySends *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpe_handset_packets_received_total",
			Help: "Total number of handset UDP packets received",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpe_handset_parse_errors_total",
			Help: "Total number of handset packet parsing errors",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpe_handset_packets_lost_total",
			Help: "Total number of handset audio frames declared lost",
		}),

		CapturesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpe_captures_started_total",
			Help: "Total number of capture sessions started",
		}),
		CaptureOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_capture_outcomes_total",
			Help: "Capture sessions by terminal outcome",
		}, []string{"outcome"}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshpe_capture_duration_seconds",
			Help:    "Wall-clock duration of capture sessions",
			Buckets: prometheus.LinearBuckets(1, 1, 12), // 1s to 12s
		}),
		ArtifactSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshpe_capture_artifact_bytes",
			Help:    "Size of completed audio artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ActiveCaptures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshpe_active_captures",
			Help: "Whether a capture session is currently in progress",
		}),

		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_backend_requests_total",
			Help: "Total number of voice backend requests by operation and result",
		}, []string{"operation", "result"}),
		BackendRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshpe_backend_request_duration_seconds",
			Help:    "Duration of voice backend requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"operation"}),

		FlowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_flow_transitions_total",
			Help: "Total number of flow state transitions",
		}, []string{"flow", "to"}),

		ProximitySends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_proximity_sends_total",
			Help: "Proximity payload deliveries by result stage",
		}, []string{"result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_http_requests_total",
			Help: "Total number of control API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshpe_http_request_duration_seconds",
			Help:    "Duration of control API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpe_http_errors_total",
			Help: "Total number of control API errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordPacketsLost adds newly lost frames
func (m *Metrics) RecordPacketsLost(n uint32) {
	if m == nil || n == 0 {
		return
	}
	m.PacketsLost.Add(float64(n))
}

// RecordCaptureStarted marks a capture session as in progress
func (m *Metrics) RecordCaptureStarted() {
	if m == nil {
		return
	}
	m.CapturesStarted.Inc()
	m.ActiveCaptures.Set(1)
}

// RecordCaptureFinished records the outcome of a capture session
func (m *Metrics) RecordCaptureFinished(outcome string, durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.ActiveCaptures.Set(0)
	m.CaptureOutcomes.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(durationSeconds)
	if sizeBytes > 0 {
		m.ArtifactSize.Observe(float64(sizeBytes))
	}
}

// RecordBackendRequest records a voice backend call
func (m *Metrics) RecordBackendRequest(operation, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(operation, result).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordFlowTransition records a flow moving into a new state
func (m *Metrics) RecordFlowTransition(flow, to string) {
	if m == nil {
		return
	}
	m.FlowTransitions.WithLabelValues(flow, to).Inc()
}

// RecordProximitySend records a proximity delivery outcome
func (m *Metrics) RecordProximitySend(result string) {
	if m == nil {
		return
	}
	m.ProximitySends.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
