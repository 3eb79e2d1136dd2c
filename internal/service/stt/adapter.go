// Package stt defines the interface for Speech-to-Text providers.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

// ErrNoResult is returned when the provider has no hypothesis for the chunk
// yet. It is not a failure: the runtime publishes nothing for that flush.
var ErrNoResult = errors.New("no recognition result")

// ChunkMeta describes one flushed buffer.
type ChunkMeta struct {
	InteractionID string
	TenantID      string
	// Seq is the 1-based flush number within the interaction.
	Seq        int64
	SampleRate int
	Encoding   models.Encoding
	EndOfCall  bool
}

// Result is the provider's hypothesis for the audio sent so far.
type Result struct {
	Type       models.TranscriptType
	Text       string
	Confidence float64
}

// Provider is one recognition session, exclusively owned by one interaction.
// Implementations: mock generator, Google streaming, Deepgram REST.
type Provider interface {
	// SendAudioChunk hands one flushed buffer to the provider and returns the
	// current hypothesis.
	SendAudioChunk(ctx context.Context, audio []byte, meta ChunkMeta) (Result, error)

	// Close ends the session and releases resources. Idempotent.
	Close() error
}

// Factory opens a provider session for one interaction.
type Factory func(ctx context.Context, interactionID string) (Provider, error)

// ProviderError wraps a recognition backend failure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Wrap returns err as a *ProviderError unless it is nil, ErrNoResult or
// already a provider error.
func Wrap(provider string, err error) error {
	if err == nil || errors.Is(err, ErrNoResult) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}
