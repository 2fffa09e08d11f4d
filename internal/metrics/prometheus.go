// Package metrics defines the Prometheus instrumentation for the dialog
// audio service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the dialog audio service.
type Metrics struct {
	// Event stream metrics
	EventsReceived    *prometheus.CounterVec
	ProtocolAnomalies *prometheus.CounterVec
	ParseErrors       prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Segment metrics
	SegmentsStarted        prometheus.Counter
	SegmentsImplicit       prometheus.Counter
	SegmentsFinalized      prometheus.Counter
	SegmentsRecovered      prometheus.Counter
	SegmentFinalizeErrors  prometheus.Counter
	SegmentBytes           prometheus.Histogram
	TranscodeFallbacks     prometheus.Counter
	DefaultFormatResolved  prometheus.Counter

	// Forward tap metrics
	ChunksForwarded prometheus.Counter
	ChunksDropped   prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dialog_events_received_total",
			Help: "Total number of stream events received by type",
		}, []string{"type"}),
		ProtocolAnomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dialog_protocol_anomalies_total",
			Help: "Total number of recoverable protocol anomalies by kind",
		}, []string{"kind"}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_parse_errors_total",
			Help: "Total number of event parsing errors",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dialog_active_sessions",
			Help: "Current number of active dialog sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialog_session_duration_seconds",
			Help:    "Duration of dialog sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		SegmentsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_segments_started_total",
			Help: "Total number of segments started",
		}),
		SegmentsImplicit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_segments_implicit_total",
			Help: "Total number of segments implicitly created by early media",
		}),
		SegmentsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_segments_finalized_total",
			Help: "Total number of segments finalized",
		}),
		SegmentsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_segments_recovered_total",
			Help: "Total number of segments finalized by the stream-end recovery path",
		}),
		SegmentFinalizeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_segment_finalize_errors_total",
			Help: "Total number of per-segment finalize failures",
		}),
		SegmentBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialog_segment_bytes",
			Help:    "Raw buffered bytes per finalized segment",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),
		TranscodeFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_transcode_fallbacks_total",
			Help: "Total number of segments written as raw pass-through",
		}),
		DefaultFormatResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_default_format_resolved_total",
			Help: "Total number of segments finalized with the deployment default format",
		}),

		ChunksForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_forward_chunks_total",
			Help: "Total number of media chunks forwarded to the consumer queue",
		}),
		ChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_forward_chunks_dropped_total",
			Help: "Total number of media chunks dropped because the forward queue was full",
		}),

		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialog_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dialog_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dialog_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dialog_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dialog_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordEvent increments the received counter for an event type. All Record
// helpers are nil-safe so library code can run uninstrumented in tests.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordAnomaly increments the protocol anomaly counter for a kind.
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.ProtocolAnomalies.WithLabelValues(kind).Inc()
}

// RecordParseError increments the parse errors counter.
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordSessionCreated increments session creation counters.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records a closed session and its duration.
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegmentStarted increments the segments started counter.
func (m *Metrics) RecordSegmentStarted(implicit bool) {
	if m == nil {
		return
	}
	m.SegmentsStarted.Inc()
	if implicit {
		m.SegmentsImplicit.Inc()
	}
}

// RecordSegmentFinalized records a finalized segment.
func (m *Metrics) RecordSegmentFinalized(rawBytes int, transcoded, defaultFormat, recovered bool) {
	if m == nil {
		return
	}
	m.SegmentsFinalized.Inc()
	m.SegmentBytes.Observe(float64(rawBytes))
	if !transcoded {
		m.TranscodeFallbacks.Inc()
	}
	if defaultFormat {
		m.DefaultFormatResolved.Inc()
	}
	if recovered {
		m.SegmentsRecovered.Inc()
	}
}

// RecordFinalizeError increments the finalize error counter.
func (m *Metrics) RecordFinalizeError() {
	if m == nil {
		return
	}
	m.SegmentFinalizeErrors.Inc()
}

// RecordChunkForwarded records a forward tap publish outcome.
func (m *Metrics) RecordChunkForwarded(dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.ChunksDropped.Inc()
		return
	}
	m.ChunksForwarded.Inc()
}

// RecordTranscriptionRequest increments the transcription requests counter.
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription.
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription.
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter.
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
