package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the call relay service.
// Every Record* method is safe to call on a nil *Metrics.
type Metrics struct {
	// Leg socket metrics
	LegConnections    prometheus.Counter
	ActiveConnections prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	UnknownEvents     prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsArmed     prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	CorrelationErrors *prometheus.CounterVec

	// Relay metrics
	FramesForwarded *prometheus.CounterVec
	ForwardErrors   *prometheus.CounterVec

	// Translation metrics
	TranslationPushes  *prometheus.CounterVec
	TranslationDrops   *prometheus.CounterVec
	TranslatedChunks   *prometheus.CounterVec
	TranslationErrors  *prometheus.CounterVec
	TurnLatency        *prometheus.HistogramVec
	SessionMeanLatency *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LegConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_leg_connections_total",
			Help: "Total number of media-stream WebSocket connections accepted",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_leg_connections_active",
			Help: "Current number of open media-stream WebSocket connections",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of media-stream frames received, by event",
		}, []string{"event"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frame_parse_errors_total",
			Help: "Total number of frames that failed to parse",
		}),
		UnknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frame_unknown_events_total",
			Help: "Total number of frames dropped for an unknown event tag",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Current number of relay sessions in the registry",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionsArmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_armed_total",
			Help: "Total number of relay sessions that reached both-legs-armed",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of relay sessions torn down, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		CorrelationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_correlation_errors_total",
			Help: "Total number of leg events that referenced no usable session",
		}, []string{"event"}),

		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "Total number of audio frames forwarded leg to leg, by source leg",
		}, []string{"leg"}),
		ForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forward_errors_total",
			Help: "Total number of failed sends towards a leg, by target leg",
		}, []string{"leg"}),

		TranslationPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_translation_pushes_total",
			Help: "Total number of audio frames pushed to a translation channel",
		}, []string{"leg"}),
		TranslationDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_translation_drops_total",
			Help: "Total number of audio frames not pushed to translation, by reason",
		}, []string{"leg", "reason"}),
		TranslatedChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_translated_chunks_total",
			Help: "Total number of translated audio chunks received, by source leg",
		}, []string{"leg"}),
		TranslationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_translation_errors_total",
			Help: "Total number of translation channel errors, by kind",
		}, []string{"leg", "kind"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_turn_latency_seconds",
			Help:    "Time from end of speech to first translated audio, per turn",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"leg"}),
		SessionMeanLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_session_mean_latency_seconds",
			Help:    "Mean turn latency of a session, observed at teardown",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"leg"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened counts an accepted leg socket
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.LegConnections.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open leg socket gauge
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordFrame counts a successfully parsed frame
func (m *Metrics) RecordFrame(event string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(event).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordUnknownEvent increments the unknown events counter
func (m *Metrics) RecordUnknownEvent() {
	if m == nil {
		return
	}
	m.UnknownEvents.Inc()
}

// SetActiveSessions sets the current number of registry entries
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionArmed increments the sessions armed counter
func (m *Metrics) RecordSessionArmed() {
	if m == nil {
		return
	}
	m.SessionsArmed.Inc()
}

// RecordSessionClosed counts a teardown and records the session lifetime
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCorrelationError counts a leg event with no matching session
func (m *Metrics) RecordCorrelationError(event string) {
	if m == nil {
		return
	}
	m.CorrelationErrors.WithLabelValues(event).Inc()
}

// RecordForward counts a frame forwarded from the given leg
func (m *Metrics) RecordForward(leg string) {
	if m == nil {
		return
	}
	m.FramesForwarded.WithLabelValues(leg).Inc()
}

// RecordForwardError counts a failed send towards the given leg
func (m *Metrics) RecordForwardError(leg string) {
	if m == nil {
		return
	}
	m.ForwardErrors.WithLabelValues(leg).Inc()
}

// RecordTranslationPush counts a frame pushed to translation
func (m *Metrics) RecordTranslationPush(leg string) {
	if m == nil {
		return
	}
	m.TranslationPushes.WithLabelValues(leg).Inc()
}

// RecordTranslationDrop counts a frame withheld from translation
func (m *Metrics) RecordTranslationDrop(leg, reason string) {
	if m == nil {
		return
	}
	m.TranslationDrops.WithLabelValues(leg, reason).Inc()
}

// RecordTranslatedChunk counts a translated audio chunk
func (m *Metrics) RecordTranslatedChunk(leg string) {
	if m == nil {
		return
	}
	m.TranslatedChunks.WithLabelValues(leg).Inc()
}

// RecordTranslationError counts a translation channel failure
func (m *Metrics) RecordTranslationError(leg, kind string) {
	if m == nil {
		return
	}
	m.TranslationErrors.WithLabelValues(leg, kind).Inc()
}

// RecordTurnLatency observes the latency of a single completed turn
func (m *Metrics) RecordTurnLatency(leg string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnLatency.WithLabelValues(leg).Observe(seconds)
}

// RecordSessionMeanLatency observes a session's mean turn latency
func (m *Metrics) RecordSessionMeanLatency(leg string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionMeanLatency.WithLabelValues(leg).Observe(seconds)
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
