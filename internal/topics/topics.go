// Package topics maps tenant and interaction identifiers to channel names and back.
package topics

import (
	"errors"
	"strings"
)

// ErrMissingIdentifier is returned when a channel name is requested for an empty id.
var ErrMissingIdentifier = errors.New("missing identifier")

// SharedAudioTopic is the single audio channel used when tenant sharding is off.
const SharedAudioTopic = "audio_stream"

const (
	audioPrefix      = "audio."
	transcriptPrefix = "transcript."
	intentPrefix     = "intent."
)

// TranscriptPrefix is the name prefix shared by every transcript channel.
const TranscriptPrefix = transcriptPrefix

// AudioPrefix is the name prefix of per-tenant audio channels.
const AudioPrefix = audioPrefix

// Kind classifies a channel name.
type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindIntent     Kind = "intent"
	KindUnknown    Kind = "unknown"
)

// Channel is the parsed form of a channel name.
type Channel struct {
	Kind          Kind   `json:"type"`
	TenantID      string `json:"tenantId,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
}

// Namer builds audio channel names. ShardByTenant is process configuration,
// never derived from message data.
type Namer struct {
	ShardByTenant bool
}

// Audio returns the audio channel for tenantID.
func (n Namer) Audio(tenantID string) (string, error) {
	if !n.ShardByTenant {
		return SharedAudioTopic, nil
	}
	if tenantID == "" {
		return "", ErrMissingIdentifier
	}
	return audioPrefix + tenantID, nil
}

// Transcript returns transcript.{interactionID}.
func Transcript(interactionID string) (string, error) {
	if interactionID == "" {
		return "", ErrMissingIdentifier
	}
	return transcriptPrefix + interactionID, nil
}

// Intent returns intent.{interactionID}.
func Intent(interactionID string) (string, error) {
	if interactionID == "" {
		return "", ErrMissingIdentifier
	}
	return intentPrefix + interactionID, nil
}

// Parse classifies an arbitrary channel name. It never fails: names that do
// not match a known pattern come back as KindUnknown.
func Parse(name string) Channel {
	if name == SharedAudioTopic {
		return Channel{Kind: KindAudio}
	}
	if id, ok := cutPrefix(name, audioPrefix); ok {
		return Channel{Kind: KindAudio, TenantID: id}
	}
	if id, ok := cutPrefix(name, transcriptPrefix); ok {
		return Channel{Kind: KindTranscript, InteractionID: id}
	}
	if id, ok := cutPrefix(name, intentPrefix); ok {
		return Channel{Kind: KindIntent, InteractionID: id}
	}
	return Channel{Kind: KindUnknown}
}

func cutPrefix(name, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
