// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

const namespace = "rtaa"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Broker metrics
	BrokerPublishTotal   *prometheus.CounterVec
	BrokerPublishErrors  *prometheus.CounterVec
	BrokerPublishLatency *prometheus.HistogramVec
	BrokerDeliveries     *prometheus.CounterVec
	BrokerDropped        *prometheus.CounterVec
	BrokerReconnects     *prometheus.CounterVec

	// Audio / buffer metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec
	BufferFlushes       *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	FirstPartialLatency prometheus.Histogram
	SequenceFallbacks   prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Dispatcher metrics
	DispatcherSubscriptions prometheus.Gauge
	DispatcherForwards      *prometheus.CounterVec
	SinkLatency             prometheus.Histogram
	SinkRetries             prometheus.Counter

	// Fan-out metrics
	FanoutClients prometheus.Gauge
	FanoutEvents  *prometheus.CounterVec
	FanoutDropped prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all Prometheus metrics on reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Broker metrics
		BrokerPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_total",
			Help:      "Total number of broker publish attempts",
		}, []string{"backend", "channel"}),
		BrokerPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_errors_total",
			Help:      "Total number of failed broker publishes",
		}, []string{"backend", "channel"}),
		BrokerPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_publish_latency_seconds",
			Help:      "Broker publish latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"backend"}),
		BrokerDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_deliveries_total",
			Help:      "Total number of messages handed to subscription handlers",
		}, []string{"backend", "result"}),
		BrokerDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_dropped_total",
			Help:      "Messages dropped because a subscriber queue stayed full",
		}, []string{"backend"}),
		BrokerReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Subscription loop reconnect attempts",
		}, []string{"backend"}),

		// Audio / buffer metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames discarded before buffering",
		}, []string{"reason"}),
		BufferFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Audio buffer flushes by trigger and result",
		}, []string{"trigger", "result"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Interactions with a live audio buffer",
		}),
		FirstPartialLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_transcript_latency_seconds",
			Help:      "Time from first audio chunk to first transcript per interaction",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		}),
		SequenceFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_fallbacks_total",
			Help:      "Transcripts published with an unknown sequence number",
		}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts published",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts published",
		}),

		// STT metrics
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider"}),

		// Dispatcher metrics
		DispatcherSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_subscriptions_active",
			Help:      "Active transcript subscriptions held by the dispatcher",
		}),
		DispatcherForwards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_forwards_total",
			Help:      "Transcript forward outcomes",
		}, []string{"result"}),
		SinkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_request_latency_seconds",
			Help:      "Downstream sink request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		SinkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Downstream sink retry attempts",
		}),

		// Fan-out metrics
		FanoutClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_clients",
			Help:      "Connected live viewers",
		}),
		FanoutEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_total",
			Help:      "Events broadcast to live viewers",
		}, []string{"type"}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_clients_dropped_total",
			Help:      "Viewer connections dropped for falling behind",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBrokerPublish records a broker publish attempt. The channel label is
// the topic kind, never the full topic name.
func (m *Metrics) RecordBrokerPublish(backend, topic string, err error, latencySeconds float64) {
	kind := string(topics.Parse(topic).Kind)
	m.BrokerPublishTotal.WithLabelValues(backend, kind).Inc()
	m.BrokerPublishLatency.WithLabelValues(backend).Observe(latencySeconds)
	if err != nil {
		m.BrokerPublishErrors.WithLabelValues(backend, kind).Inc()
	}
}

// RecordBrokerDelivery records one handler invocation.
func (m *Metrics) RecordBrokerDelivery(backend string, err error) {
	m.BrokerDeliveries.WithLabelValues(backend, result(err)).Inc()
}

// RecordBrokerDropped records a message dropped for a slow subscriber.
func (m *Metrics) RecordBrokerDropped(backend string) {
	m.BrokerDropped.WithLabelValues(backend).Inc()
}

// RecordBrokerReconnect records a subscription loop reconnect.
func (m *Metrics) RecordBrokerReconnect(backend string) {
	m.BrokerReconnects.WithLabelValues(backend).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordFrameDropped records a frame discarded before buffering.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordFlush records a buffer flush.
func (m *Metrics) RecordFlush(trigger string, err error) {
	m.BufferFlushes.WithLabelValues(trigger, result(err)).Inc()
}

// RecordSessionStart records a new per-interaction buffer.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a per-interaction buffer being destroyed.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordFirstTranscript records first-chunk to first-transcript latency.
func (m *Metrics) RecordFirstTranscript(seconds float64) {
	m.FirstPartialLatency.Observe(seconds)
}

// RecordSequenceFallback records a transcript published with seq 0.
func (m *Metrics) RecordSequenceFallback() {
	m.SequenceFallbacks.Inc()
}

// RecordPartialTranscript records a partial transcript published.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript published.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordSTT records one provider call.
func (m *Metrics) RecordSTT(provider string, err error, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
	if err != nil {
		m.STTErrors.WithLabelValues(provider).Inc()
	}
}

// SetSubscriptions sets the dispatcher's active subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	m.DispatcherSubscriptions.Set(float64(n))
}

// RecordForward records a dispatcher forward outcome: ok, dropped, duplicate or invalid.
func (m *Metrics) RecordForward(outcome string) {
	m.DispatcherForwards.WithLabelValues(outcome).Inc()
}

// RecordSinkRequest records one downstream sink attempt.
func (m *Metrics) RecordSinkRequest(latencySeconds float64, retry bool) {
	m.SinkLatency.Observe(latencySeconds)
	if retry {
		m.SinkRetries.Inc()
	}
}

// RecordFanoutClient adjusts the connected viewer gauge.
func (m *Metrics) RecordFanoutClient(delta int) {
	m.FanoutClients.Add(float64(delta))
}

// RecordFanoutEvent records a broadcast event.
func (m *Metrics) RecordFanoutEvent(eventType string) {
	m.FanoutEvents.WithLabelValues(eventType).Inc()
}

// RecordFanoutDropped records a stalled viewer being disconnected.
func (m *Metrics) RecordFanoutDropped() {
	m.FanoutDropped.Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(seconds)
}
