// Package ingest terminates the Exotel media-stream websocket and publishes
// the decoded audio as AudioFrames.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

// Exotel event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
)

// DefaultTenant is used when a start event carries no account sid.
const DefaultTenant = "default"

var allowedSampleRates = map[int]bool{8000: true, 16000: true, 24000: true}

// AudioPublisher publishes frames on the audio channel.
type AudioPublisher interface {
	PublishAudio(ctx context.Context, f models.AudioFrame) (string, error)
}

// Config holds ingest endpoint settings.
type Config struct {
	// ReadTimeout closes a socket that sends nothing for this long.
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	PublishTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:     60 * time.Second,
		MaxMessageBytes: 1 << 20,
		PublishTimeout:  2 * time.Second,
	}
}

// Message is one Exotel websocket message.
type Message struct {
	Event          string          `json:"event"`
	SequenceNumber json.RawMessage `json:"sequence_number,omitempty"`
	StreamSID      string          `json:"stream_sid"`
	Start          *StartPayload   `json:"start,omitempty"`
	Media          *MediaPayload   `json:"media,omitempty"`
	Stop           *StopPayload    `json:"stop,omitempty"`
}

type StartPayload struct {
	StreamSID        string            `json:"stream_sid"`
	CallSID          string            `json:"call_sid"`
	AccountSID       string            `json:"account_sid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	MediaFormat      MediaFormat       `json:"media_format"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
}

type MediaFormat struct {
	Encoding string `json:"encoding"`

	// SampleRate arrives as a string or a number.
	SampleRate json.RawMessage `json:"sample_rate"`
}

type MediaPayload struct {
	Chunk     json.RawMessage `json:"chunk,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Payload   string          `json:"payload"`
}

type StopPayload struct {
	CallSID    string `json:"call_sid"`
	AccountSID string `json:"account_sid"`
	Reason     string `json:"reason"`
}

// Handler serves GET /v1/ingest.
type Handler struct {
	cfg       Config
	publisher AudioPublisher
	upgrader  websocket.Upgrader
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewHandler creates the ingest endpoint.
func NewHandler(cfg Config, p AudioPublisher, m *metrics.Metrics) *Handler {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{
		cfg:       cfg,
		publisher: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logging.WithComponent("ingest"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	s := newSession(h)
	defer s.closeAll(context.WithoutCancel(r.Context()), "disconnected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("Ingest socket closed")
			}
			return
		}
		s.handle(r.Context(), raw)
	}
}

// stream is the per-stream state created by a start event.
type stream struct {
	sid        string
	callSID    string
	tenantID   string
	sampleRate int
	encoding   models.Encoding
	seq        int64
}

func (st *stream) interactionID() string {
	if st.callSID != "" {
		return st.callSID
	}
	return st.sid
}

func (st *stream) frame(audio []byte, eoc bool) models.AudioFrame {
	st.seq++
	return models.AudioFrame{
		Meta: models.Meta{
			TenantID:      st.tenantID,
			InteractionID: st.interactionID(),
			Seq:           st.seq,
			TimestampMs:   models.NowMs(),
		},
		SampleRate: st.sampleRate,
		Encoding:   st.encoding,
		Audio:      audio,
		EndOfCall:  eoc,
	}
}

// session holds the streams of one websocket connection.
type session struct {
	h       *Handler
	streams map[string]*stream
}

func newSession(h *Handler) *session {
	return &session{h: h, streams: make(map[string]*stream)}
}

func (s *session) handle(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.h.logger.Warn().Err(err).Msg("Invalid ingest message")
		return
	}

	switch msg.Event {
	case EventConnected:
		s.h.logger.Info().Msg("Exotel connected")
	case EventStart:
		s.start(msg)
	case EventMedia:
		s.media(ctx, msg)
	case EventStop:
		s.stop(ctx, msg)
	case EventDTMF, EventMark:
		s.h.logger.Debug().Str("event", msg.Event).Str("streamSid", msg.StreamSID).Msg("Ignoring control event")
	default:
		s.h.logger.Warn().Str("event", msg.Event).Msg("Unknown ingest event")
	}
}

func (s *session) start(msg Message) {
	if msg.Start == nil {
		s.h.logger.Warn().Msg("Start event without payload")
		return
	}
	sid := msg.StreamSID
	if sid == "" {
		sid = msg.Start.StreamSID
	}

	rate, err := parseSampleRate(msg.Start.MediaFormat.SampleRate)
	if err != nil || !allowedSampleRates[rate] {
		s.h.logger.Warn().Int("sampleRate", rate).Msg("Unsupported sample rate, using 8000")
		rate = models.DefaultSampleRate
	}
	tenant := msg.Start.AccountSID
	if tenant == "" {
		tenant = DefaultTenant
	}

	st := &stream{
		sid:        sid,
		callSID:    msg.Start.CallSID,
		tenantID:   tenant,
		sampleRate: rate,
		encoding:   parseEncoding(msg.Start.MediaFormat.Encoding),
	}
	s.streams[sid] = st

	logging.WithInteraction("ingest", st.interactionID(), tenant).Info().
		Str("streamSid", sid).
		Int("sampleRate", rate).
		Str("encoding", string(st.encoding)).
		Msg("Stream started")
}

func (s *session) media(ctx context.Context, msg Message) {
	st, ok := s.streams[msg.StreamSID]
	if !ok {
		s.h.metrics.RecordFrameDropped("before_start")
		s.h.logger.Warn().Str("streamSid", msg.StreamSID).Msg("Media received before start")
		return
	}
	if msg.Media == nil || msg.Media.Payload == "" {
		s.h.metrics.RecordFrameDropped("invalid_payload")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.h.metrics.RecordFrameDropped("invalid_payload")
		s.h.logger.Warn().Err(err).Str("streamSid", st.sid).Msg("Invalid base64 payload")
		return
	}
	if len(audio) == 0 {
		return
	}
	s.publish(ctx, st, st.frame(audio, false))
}

func (s *session) stop(ctx context.Context, msg Message) {
	st, ok := s.streams[msg.StreamSID]
	if !ok {
		s.h.logger.Warn().Str("streamSid", msg.StreamSID).Msg("Stop for unknown stream")
		return
	}
	reason := "stop"
	if msg.Stop != nil && msg.Stop.Reason != "" {
		reason = msg.Stop.Reason
	}
	s.end(ctx, st, reason)
}

func (s *session) end(ctx context.Context, st *stream, reason string) {
	delete(s.streams, st.sid)
	s.publish(ctx, st, st.frame(nil, true))
	logging.WithInteraction("ingest", st.interactionID(), st.tenantID).Info().
		Str("streamSid", st.sid).
		Str("reason", reason).
		Int64("frames", st.seq).
		Msg("Stream ended")
}

// closeAll ends every stream still open when the socket goes away.
func (s *session) closeAll(ctx context.Context, reason string) {
	for _, st := range s.streams {
		s.end(ctx, st, reason)
	}
}

func (s *session) publish(ctx context.Context, st *stream, f models.AudioFrame) {
	ctx, cancel := context.WithTimeout(ctx, s.h.cfg.PublishTimeout)
	defer cancel()
	if _, err := s.h.publisher.PublishAudio(ctx, f); err != nil {
		logging.WithInteraction("ingest", st.interactionID(), st.tenantID).Error().
			Err(err).
			Int64("seq", f.Seq).
			Bool("endOfCall", f.EndOfCall).
			Msg("Failed to publish audio frame")
	}
}

func parseSampleRate(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing sample rate")
	}
	return strconv.Atoi(strings.Trim(string(raw), `"`))
}

func parseEncoding(s string) models.Encoding {
	switch strings.ToLower(s) {
	case "mulaw", "ulaw", "pcmu", "audio/x-mulaw":
		return models.EncodingMulaw
	case "alaw", "pcma", "audio/x-alaw":
		return models.EncodingAlaw
	default:
		return models.EncodingPCM16
	}
}
