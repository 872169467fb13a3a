// Package observability provides metrics and tracing for the transcript recorder.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Index label values for SessionsActive.
const (
	IndexConversation = "conversation"
	IndexConference   = "conference"
)

// RecorderMetrics holds all Prometheus metrics for the recorder.
// A nil *RecorderMetrics is valid and records nothing.
type RecorderMetrics struct {
	// Session metrics
	SessionsStartedTotal    *prometheus.CounterVec
	SessionsTerminatedTotal *prometheus.CounterVec
	SessionsActive          *prometheus.GaugeVec
	SessionDurationSeconds  prometheus.Histogram
	PromotionsTotal         *prometheus.CounterVec

	// Recorder metrics
	RecordersCreatedTotal *prometheus.CounterVec
	RecordersActive       *prometheus.GaugeVec
	MessagesTotal         *prometheus.CounterVec

	// Failure metrics
	PlatformErrorsTotal *prometheus.CounterVec
	UnsupportedTotal    *prometheus.CounterVec

	// Persistence metrics
	PersistTotal      *prometheus.CounterVec
	PersistSeconds    prometheus.Histogram
	StorageQueueDepth prometheus.Gauge
}

// DefaultRecorderMetrics creates metrics registered with the default registerer.
func DefaultRecorderMetrics() *RecorderMetrics {
	return NewRecorderMetrics(prometheus.DefaultRegisterer)
}

// NewRecorderMetrics creates a new set of recorder metrics.
func NewRecorderMetrics(reg prometheus.Registerer) *RecorderMetrics {
	factory := promauto.With(reg)

	return &RecorderMetrics{
		SessionsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_sessions_started_total",
				Help: "Total recording sessions created",
			},
			[]string{"trigger"},
		),
		SessionsTerminatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_sessions_terminated_total",
				Help: "Total recording sessions terminated",
			},
			[]string{"reason"},
		),
		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recorder_sessions_active",
				Help: "Sessions currently tracked, per manager index",
			},
			[]string{"index"},
		),
		SessionDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recorder_session_duration_seconds",
				Help:    "Lifetime of recording sessions",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		PromotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_session_promotions_total",
				Help: "Conversation to conference promotions by result",
			},
			[]string{"result"},
		),

		RecordersCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_media_recorders_created_total",
				Help: "Media recorders created by type",
			},
			[]string{"type"},
		),
		RecordersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recorder_media_recorders_active",
				Help: "Media recorders currently attached by type",
			},
			[]string{"type"},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_transcript_messages_total",
				Help: "Transcript messages appended by modality",
			},
			[]string{"modality"},
		),

		PlatformErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_platform_errors_total",
				Help: "Platform operation failures by operation and code",
			},
			[]string{"op", "code"},
		),
		UnsupportedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_unsupported_events_total",
				Help: "Events rejected because the path is not supported",
			},
			[]string{"path"},
		),

		PersistTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recorder_transcripts_persisted_total",
				Help: "Transcript persistence attempts by status",
			},
			[]string{"status"},
		),
		PersistSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recorder_transcript_persist_seconds",
				Help:    "Time to hand a transcript to storage",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		StorageQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "recorder_storage_queue_depth",
				Help: "Transcripts buffered for asynchronous storage",
			},
		),
	}
}

// RecordSessionStarted records a new session and what created it.
func (m *RecorderMetrics) RecordSessionStarted(trigger string) {
	if m == nil {
		return
	}
	m.SessionsStartedTotal.WithLabelValues(trigger).Inc()
}

// RecordSessionTerminated records a terminated session and its lifetime.
func (m *RecorderMetrics) RecordSessionTerminated(reason string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsTerminatedTotal.WithLabelValues(reason).Inc()
	m.SessionDurationSeconds.Observe(seconds)
}

// SetSessionsActive sets the number of sessions in the two manager indices.
func (m *RecorderMetrics) SetSessionsActive(conversations, conferences int) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(IndexConversation).Set(float64(conversations))
	m.SessionsActive.WithLabelValues(IndexConference).Set(float64(conferences))
}

// RecordPromotion records a promotion attempt, "promoted" or "conflict".
func (m *RecorderMetrics) RecordPromotion(result string) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(result).Inc()
}

// RecordRecorderCreated records a new media recorder.
func (m *RecorderMetrics) RecordRecorderCreated(recorderType string) {
	if m == nil {
		return
	}
	m.RecordersCreatedTotal.WithLabelValues(recorderType).Inc()
	m.RecordersActive.WithLabelValues(recorderType).Inc()
}

// RecordRecorderTerminated records a media recorder shutting down.
func (m *RecorderMetrics) RecordRecorderTerminated(recorderType string) {
	if m == nil {
		return
	}
	m.RecordersActive.WithLabelValues(recorderType).Dec()
}

// RecordMessage records an appended transcript message.
func (m *RecorderMetrics) RecordMessage(modality string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(modality).Inc()
}

// RecordPlatformError records a failed platform operation.
func (m *RecorderMetrics) RecordPlatformError(op, code string) {
	if m == nil {
		return
	}
	m.PlatformErrorsTotal.WithLabelValues(op, code).Inc()
}

// RecordUnsupported records an event on a path the recorder does not handle.
func (m *RecorderMetrics) RecordUnsupported(path string) {
	if m == nil {
		return
	}
	m.UnsupportedTotal.WithLabelValues(path).Inc()
}

// RecordPersist records a transcript hand-off to storage.
func (m *RecorderMetrics) RecordPersist(status string, seconds float64) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(status).Inc()
	m.PersistSeconds.Observe(seconds)
}

// SetStorageQueueDepth sets the number of transcripts waiting in the async writer.
func (m *RecorderMetrics) SetStorageQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.StorageQueueDepth.Set(float64(depth))
}
