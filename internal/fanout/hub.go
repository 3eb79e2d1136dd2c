// Package fanout broadcasts live call events to connected viewers.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

// EventType names a broadcast event.
type EventType string

const (
	EventTranscriptLine EventType = "transcript_line"
	EventIntentUpdate   EventType = "intent_update"
	EventCallEnd        EventType = "call_end"
	EventCallSummary    EventType = "call_summary"
)

// Event is one broadcast message.
type Event struct {
	Type          EventType       `json:"type"`
	InteractionID string          `json:"interactionId"`
	Seq           int64           `json:"seq,omitempty"`
	TimestampMs   int64           `json:"timestampMs"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TranscriptLine is the payload of a transcript_line event.
type TranscriptLine struct {
	Type       models.TranscriptType `json:"type"`
	Text       string                `json:"text"`
	Confidence float64               `json:"confidence"`
	TenantID   string                `json:"tenantId,omitempty"`
}

// IntentUpdate is the payload of an intent_update event.
type IntentUpdate struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// CallEnd is the payload of a call_end event.
type CallEnd struct {
	Reason string `json:"reason,omitempty"`
}

func newEvent(typ EventType, interactionId string, seq int64, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		Type:          typ,
		InteractionID: interactionId,
		Seq:           seq,
		TimestampMs:   models.NowMs(),
		Payload:       raw,
	}
}

// TranscriptEvent builds a transcript_line event.
func TranscriptEvent(t models.Transcript) Event {
	return newEvent(EventTranscriptLine, t.InteractionID, t.Seq, TranscriptLine{
		Type:       t.Type,
		Text:       t.Text,
		Confidence: t.Confidence,
		TenantID:   t.TenantID,
	})
}

// IntentEvent builds an intent_update event.
func IntentEvent(i models.Intent) Event {
	return newEvent(EventIntentUpdate, i.InteractionID, i.Seq, IntentUpdate{Intent: i.Intent, Confidence: i.Confidence})
}

// CallEndEvent builds a call_end event.
func CallEndEvent(interactionId, reason string) Event {
	return newEvent(EventCallEnd, interactionId, 0, CallEnd{Reason: reason})
}

// CallSummaryEvent builds a call_summary event carrying summary as payload.
func CallSummaryEvent(interactionId string, summary any) Event {
	return newEvent(EventCallSummary, interactionId, 0, summary)
}

// Config tunes connection handling.
type Config struct {
	// BufferSize is the per-connection queue. A connection whose queue is full
	// is dropped.
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:   64,
		PingInterval: 15 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client is one registered viewer connection.
type Client struct {
	ID     string
	Filter string

	ch        chan Event
	closeOnce sync.Once
}

// Events yields broadcast events. It is closed when the client is
// unregistered or dropped.
func (c *Client) Events() <-chan Event {
	return c.ch
}

func (c *Client) matches(ev Event) bool {
	return c.Filter == "" || c.Filter == ev.InteractionID
}

// Hub is the process-wide registry of viewer connections.
type Hub struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a hub.
func NewHub(cfg Config, m *metrics.Metrics) *Hub {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Hub{
		cfg:     cfg,
		metrics: m,
		logger:  logging.WithComponent("fanout"),
		clients: make(map[string]*Client),
	}
}

// Register adds a connection. An empty filter receives every event.
func (h *Hub) Register(filter string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		Filter: filter,
		ch:     make(chan Event, h.cfg.BufferSize),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.RecordFanoutClient(1)
	h.logger.Debug().Str("clientId", c.ID).Str("filter", filter).Int("clients", n).Msg("Viewer connected")
	return c
}

// Unregister removes c and closes its event channel. Idempotent.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()

	if !ok {
		return
	}
	// Broadcast sends only while holding the read lock on a registered
	// client, so closing after removal is safe.
	c.closeOnce.Do(func() { close(c.ch) })
	h.metrics.RecordFanoutClient(-1)
	h.logger.Debug().Str("clientId", c.ID).Msg("Viewer disconnected")
}

// Broadcast delivers ev to every matching connection without blocking. A
// connection whose queue is full is dropped. It returns the number of
// connections that received the event.
func (h *Hub) Broadcast(ev Event) int {
	delivered := 0
	var stalled []*Client

	h.mu.RLock()
	for _, c := range h.clients {
		if !c.matches(ev) {
			continue
		}
		select {
		case c.ch <- ev:
			delivered++
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.RecordFanoutEvent(string(ev.Type))
	for _, c := range stalled {
		h.metrics.RecordFanoutDropped()
		h.logger.Warn().Str("clientId", c.ID).Str("filter", c.Filter).Msg("Dropping stalled viewer")
		h.Unregister(c)
	}
	return delivered
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}
