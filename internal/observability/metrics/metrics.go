// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_turn"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   *prometheus.CounterVec
	StreamsActive  *prometheus.GaugeVec
	StreamsFailed  *prometheus.CounterVec
	StreamDuration prometheus.Histogram

	// Conversation metrics
	ConversationsActive prometheus.Gauge
	ConversationsTotal  prometheus.Counter

	// Segment metrics
	SegmentsUpserted *prometheus.CounterVec
	SegmentsRejected prometheus.Counter

	// Classifier metrics
	ClassifierCalls   *prometheus.CounterVec
	ClassifierErrors  *prometheus.CounterVec
	ClassifierLatency *prometheus.HistogramVec

	// Turn metrics
	TurnDecisions    *prometheus.CounterVec
	TurnHoldDuration *prometheus.HistogramVec
	TurnsDispatched  *prometheus.CounterVec
	TurnsPersisted   *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioLimitExceeded  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors         *prometheus.CounterVec
	STTUtteranceCount prometheus.Counter
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Stream metrics
		StreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of conversation streams started",
		}, []string{"transport"}),
		StreamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active conversation streams",
		}, []string{"transport"}),
		StreamsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of streams that ended with an error",
		}, []string{"transport"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of conversation streams in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Conversation metrics
		ConversationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Number of open conversations",
		}),
		ConversationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_total",
			Help:      "Total number of conversations opened",
		}),

		// Segment metrics
		SegmentsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_upserted_total",
			Help:      "Total number of timed segments merged into a transcript",
		}, []string{"kind"}),
		SegmentsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_rejected_total",
			Help:      "Total number of timed segments dropped as invalid or shadowed by a final",
		}),

		// Classifier metrics
		ClassifierCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_calls_total",
			Help:      "Total number of end-of-turn classifier calls",
		}, []string{"classifier"}),
		ClassifierErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Total number of failed end-of-turn classifier calls",
		}, []string{"classifier"}),
		ClassifierLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_latency_seconds",
			Help:      "End-of-turn classifier latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"classifier"}),

		// Turn metrics
		TurnDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_decisions_total",
			Help:      "Total number of hold and dispatch decisions",
		}, []string{"kind", "reason"}),
		TurnHoldDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_hold_duration_seconds",
			Help:      "Time from end-of-utterance signal to dispatch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"reason"}),
		TurnsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_dispatched_total",
			Help:      "Total number of completed turns handed to the response generator",
		}, []string{"reason"}),
		TurnsPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_persisted_total",
			Help:      "Total number of turn persistence attempts",
		}, []string{"status"}),

		// Audio metrics
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		AudioLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_limit_exceeded_total",
			Help:      "Total number of times per-utterance audio limits were exceeded",
		}, []string{"limit_type"}),

		// Kafka publish metrics
		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTUtteranceCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_utterances_total",
			Help:      "Total number of end-of-utterance signals received",
		}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart(transport string) {
	m.StreamsTotal.WithLabelValues(transport).Inc()
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(transport string, success bool, duration time.Duration) {
	m.StreamsActive.WithLabelValues(transport).Dec()
	m.StreamDuration.Observe(duration.Seconds())
	if !success {
		m.StreamsFailed.WithLabelValues(transport).Inc()
	}
}

// RecordConversationOpened records a new conversation session.
func (m *Metrics) RecordConversationOpened() {
	m.ConversationsTotal.Inc()
	m.ConversationsActive.Inc()
}

// RecordConversationClosed records a conversation session closing.
func (m *Metrics) RecordConversationClosed() {
	m.ConversationsActive.Dec()
}

// RecordSegment records the outcome of a timed segment upsert.
func (m *Metrics) RecordSegment(final, accepted bool) {
	if !accepted {
		m.SegmentsRejected.Inc()
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	m.SegmentsUpserted.WithLabelValues(kind).Inc()
}

// RecordClassifierCall records one classifier call.
func (m *Metrics) RecordClassifierCall(classifier string, latency time.Duration, err error) {
	m.ClassifierCalls.WithLabelValues(classifier).Inc()
	m.ClassifierLatency.WithLabelValues(classifier).Observe(latency.Seconds())
	if err != nil {
		m.ClassifierErrors.WithLabelValues(classifier).Inc()
	}
}

// RecordDecision records a hold or dispatch decision. elapsed is only
// observed for dispatches.
func (m *Metrics) RecordDecision(kind, reason string, elapsed time.Duration) {
	m.TurnDecisions.WithLabelValues(kind, reason).Inc()
	if kind == "dispatch" {
		m.TurnsDispatched.WithLabelValues(reason).Inc()
		m.TurnHoldDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
	}
}

// RecordTurnPersisted records a turn persistence attempt.
func (m *Metrics) RecordTurnPersisted(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TurnsPersisted.WithLabelValues(status).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordLimitExceeded records when an audio limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.AudioLimitExceeded.WithLabelValues(limitType).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordUtterance records an end-of-utterance signal.
func (m *Metrics) RecordUtterance() {
	m.STTUtteranceCount.Inc()
}
