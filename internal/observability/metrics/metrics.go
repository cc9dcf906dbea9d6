// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_session"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	PhaseTransitions *prometheus.CounterVec

	// Recording metrics
	RecordingsStarted   prometheus.Counter
	RecordingsFinalized prometheus.Counter
	RecordingsDiscarded *prometheus.CounterVec
	RecordingBytes      prometheus.Histogram
	AudioBytesCaptured  prometheus.Counter
	AudioChunksCaptured prometheus.Counter
	DeviceErrors        *prometheus.CounterVec

	// VAD metrics
	VADConnects     *prometheus.CounterVec
	VADConnectTime  prometheus.Histogram
	VADSpeechEvents *prometheus.CounterVec
	VADDegraded     prometheus.Counter
	VADReconnects   *prometheus.CounterVec
	VADFrames       prometheus.Counter

	// Playback metrics
	PlaybackStarted  prometheus.Counter
	PlaybackFinished *prometheus.CounterVec
	PlaybackErrors   prometheus.Counter

	// Interrupt metrics
	Interrupts *prometheus.CounterVec

	// Voice API metrics
	VoiceAPILatency *prometheus.HistogramVec
	VoiceAPIErrors  *prometheus.CounterVec
	TurnsCompleted  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions opened",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open voice sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of voice sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		PhaseTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of session phase transitions",
		}, []string{"from", "to"}),

		// Recording metrics
		RecordingsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_started_total",
			Help:      "Total number of recording buffers opened",
		}),
		RecordingsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_finalized_total",
			Help:      "Total number of recordings finalized into a payload",
		}),
		RecordingsDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_discarded_total",
			Help:      "Total number of recordings discarded",
		}, []string{"reason"}),
		RecordingBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_bytes",
			Help:      "Size of finalized recordings in bytes",
			Buckets:   prometheus.ExponentialBuckets(8*1024, 2, 10),
		}),
		AudioBytesCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_captured_total",
			Help:      "Total audio bytes read from the microphone",
		}),
		AudioChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_captured_total",
			Help:      "Total audio chunks read from the microphone",
		}),
		DeviceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Total number of microphone errors",
		}, []string{"kind"}),

		// VAD metrics
		VADConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_connects_total",
			Help:      "Total number of VAD channel connect attempts",
		}, []string{"result"}),
		VADConnectTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vad_connect_seconds",
			Help:      "Time to establish the VAD channel",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		VADSpeechEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_speech_events_total",
			Help:      "Total number of speech boundary events received",
		}, []string{"kind"}),
		VADDegraded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_degraded_total",
			Help:      "Total number of sessions degraded to manual-only interruption",
		}),
		VADReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_reconnects_total",
			Help:      "Total number of VAD reconnect attempts",
		}, []string{"result"}),
		VADFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_frames_total",
			Help:      "Total number of audio frames processed by VAD",
		}),

		// Playback metrics
		PlaybackStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_started_total",
			Help:      "Total number of playback items started",
		}),
		PlaybackFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_finished_total",
			Help:      "Total number of playback items finished",
		}, []string{"outcome"}),
		PlaybackErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_errors_total",
			Help:      "Total number of playback decode/output failures",
		}),

		// Interrupt metrics
		Interrupts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Total number of interrupts applied",
		}, []string{"source", "phase"}),

		// Voice API metrics
		VoiceAPILatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_api_latency_seconds",
			Help:      "Voice endpoint call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"endpoint"}),
		VoiceAPIErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_api_errors_total",
			Help:      "Total number of voice endpoint failures",
		}, []string{"endpoint"}),
		TurnsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of voice turns by outcome",
		}, []string{"outcome"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// gRPC metrics
		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls served",
		}, []string{"method", "code"}),
	}
}

// RecordSessionOpened records a new voice session.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a voice session being closed.
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTransition records a phase change.
func (m *Metrics) RecordTransition(from, to string) {
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordRecordingStarted records a recording buffer being opened.
func (m *Metrics) RecordRecordingStarted() {
	m.RecordingsStarted.Inc()
}

// RecordRecordingFinalized records a finalized recording payload.
func (m *Metrics) RecordRecordingFinalized(bytes int) {
	m.RecordingsFinalized.Inc()
	m.RecordingBytes.Observe(float64(bytes))
}

// RecordRecordingDiscarded records a recording that produced no payload.
func (m *Metrics) RecordRecordingDiscarded(reason string) {
	m.RecordingsDiscarded.WithLabelValues(reason).Inc()
}

// RecordAudioCaptured records audio bytes read from the device.
func (m *Metrics) RecordAudioCaptured(bytes int) {
	m.AudioBytesCaptured.Add(float64(bytes))
	m.AudioChunksCaptured.Inc()
}

// RecordDeviceError records a microphone failure.
func (m *Metrics) RecordDeviceError(kind string) {
	m.DeviceErrors.WithLabelValues(kind).Inc()
}

// RecordVADConnect records a VAD connect attempt.
func (m *Metrics) RecordVADConnect(err error, latencySeconds float64) {
	if err != nil {
		m.VADConnects.WithLabelValues("error").Inc()
		return
	}
	m.VADConnects.WithLabelValues("ok").Inc()
	m.VADConnectTime.Observe(latencySeconds)
}

// RecordSpeechEvent records a speech boundary event.
func (m *Metrics) RecordSpeechEvent(kind string) {
	m.VADSpeechEvents.WithLabelValues(kind).Inc()
}

// RecordVADDegraded records a session falling back to manual-only interruption.
func (m *Metrics) RecordVADDegraded() {
	m.VADDegraded.Inc()
}

// RecordVADReconnect records a reconnect attempt.
func (m *Metrics) RecordVADReconnect(err error) {
	if err != nil {
		m.VADReconnects.WithLabelValues("error").Inc()
		return
	}
	m.VADReconnects.WithLabelValues("ok").Inc()
}

// RecordVADFrame records a frame processed by the detection service.
func (m *Metrics) RecordVADFrame() {
	m.VADFrames.Inc()
}

// RecordPlaybackStarted records a playback item starting.
func (m *Metrics) RecordPlaybackStarted() {
	m.PlaybackStarted.Inc()
}

// RecordPlaybackFinished records how a playback item ended (completed, stopped, error).
func (m *Metrics) RecordPlaybackFinished(outcome string) {
	m.PlaybackFinished.WithLabelValues(outcome).Inc()
	if outcome == "error" {
		m.PlaybackErrors.Inc()
	}
}

// RecordInterrupt records an applied interrupt.
func (m *Metrics) RecordInterrupt(source, phase string) {
	m.Interrupts.WithLabelValues(source, phase).Inc()
}

// RecordVoiceAPICall records a voice endpoint call.
func (m *Metrics) RecordVoiceAPICall(endpoint string, err error, latencySeconds float64) {
	m.VoiceAPILatency.WithLabelValues(endpoint).Observe(latencySeconds)
	if err != nil {
		m.VoiceAPIErrors.WithLabelValues(endpoint).Inc()
	}
}

// RecordTurn records a finished voice turn.
func (m *Metrics) RecordTurn(outcome string) {
	m.TurnsCompleted.WithLabelValues(outcome).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a served gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}
