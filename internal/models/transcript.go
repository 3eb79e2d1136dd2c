// Package models defines the wire shapes carried on every broker channel.
package models

import (
	"time"
)

// SeqUnknown marks a message whose sequence number could not be assigned.
// Consumers must not use it as a dedup key or advance a high-water mark with it.
const SeqUnknown int64 = 0

// Envelope is implemented by every message class published through the broker.
type Envelope interface {
	EnvelopeMeta() Meta
}

// Meta is the transport header shared by all message classes. It is embedded
// so the JSON wire shape stays flat.
type Meta struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`
	Seq           int64  `json:"seq"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// EnvelopeMeta implements Envelope.
func (m Meta) EnvelopeMeta() Meta { return m }

// NowMs returns the producer clock in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// TranscriptType distinguishes in-progress and terminal recognition results.
type TranscriptType string

const (
	TranscriptPartial TranscriptType = "partial"
	TranscriptFinal   TranscriptType = "final"
)

// Valid reports whether t is a known transcript type.
func (t TranscriptType) Valid() bool {
	return t == TranscriptPartial || t == TranscriptFinal
}

// Transcript is the message published on transcript.{interactionId}.
type Transcript struct {
	Meta
	Type       TranscriptType `json:"type"`
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	EndOfCall  bool           `json:"end_of_call,omitempty"`
}

// IsFinal reports whether the transcript is terminal for its seq.
func (t Transcript) IsFinal() bool {
	return t.Type == TranscriptFinal
}

// Intent is the message published on intent.{interactionId}.
type Intent struct {
	Meta
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text,omitempty"`
}
