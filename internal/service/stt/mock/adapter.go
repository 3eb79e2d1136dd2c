// Package mock provides a deterministic STT provider for testing without
// cloud credentials. It returns progressive partial transcripts for the first
// chunks of an utterance and exactly one final once FinalAfterChunks chunks
// (or end of call) arrive, then starts the next utterance.
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

// Name is the provider label used in metrics and logs.
const Name = "mock"

// SimulatedUtterance is one scripted utterance.
type SimulatedUtterance struct {
	Final      string  // Final transcript text
	Confidence float64 // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{Final: "I need to block my credit card it was stolen yesterday", Confidence: 0.94},
	{Final: "Can you tell me my account balance please", Confidence: 0.96},
	{Final: "There is a transaction on my debit card that I did not make", Confidence: 0.91},
	{Final: "I want a replacement for my damaged credit card", Confidence: 0.93},
	{Final: "Yes please go ahead", Confidence: 0.98},
	{Final: "I have been waiting for over an hour", Confidence: 0.89},
}

// Config tunes the simulation.
type Config struct {
	// FinalAfterChunks is the chunk count that ends an utterance.
	FinalAfterChunks int
	// Delay simulates recognition latency per chunk.
	Delay      time.Duration
	Utterances []SimulatedUtterance
}

// DefaultConfig returns the simulation defaults.
func DefaultConfig() Config {
	return Config{
		FinalAfterChunks: 30,
		Utterances:       DefaultUtterances,
	}
}

// Adapter implements stt.Provider with scripted responses. Output depends only
// on the interaction id and the order of chunks, so runs are reproducible.
type Adapter struct {
	cfg           Config
	interactionId string

	mu        sync.Mutex
	utterance int // index into cfg.Utterances
	chunks    int // chunks in the current utterance
	lastSeq   int64
	last      stt.Result
	closed    bool
}

// New creates a mock session for interactionId.
func New(interactionId string, cfg Config) *Adapter {
	if cfg.FinalAfterChunks <= 0 {
		cfg.FinalAfterChunks = DefaultConfig().FinalAfterChunks
	}
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(interactionId))

	return &Adapter{
		cfg:           cfg,
		interactionId: interactionId,
		utterance:     int(h.Sum32() % uint32(len(cfg.Utterances))),
	}
}

// NewFactory returns an stt.Factory producing mock sessions.
func NewFactory(cfg Config) stt.Factory {
	return func(_ context.Context, interactionId string) (stt.Provider, error) {
		return New(interactionId, cfg), nil
	}
}

// SendAudioChunk advances the simulation by one chunk. A chunk whose seq was
// already seen returns the previous result unchanged.
func (a *Adapter) SendAudioChunk(ctx context.Context, audio []byte, meta stt.ChunkMeta) (stt.Result, error) {
	if a.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case <-time.After(a.cfg.Delay):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return stt.Result{}, stt.ErrNoResult
	}
	if meta.Seq > 0 && meta.Seq <= a.lastSeq {
		return a.last, nil
	}
	if meta.Seq > 0 {
		a.lastSeq = meta.Seq
	}

	utt := a.cfg.Utterances[a.utterance]
	a.chunks++

	if a.chunks >= a.cfg.FinalAfterChunks || meta.EndOfCall {
		a.last = stt.Result{
			Type:       models.TranscriptFinal,
			Text:       utt.Final,
			Confidence: utt.Confidence,
		}
		a.chunks = 0
		a.utterance = (a.utterance + 1) % len(a.cfg.Utterances)
		return a.last, nil
	}

	a.last = stt.Result{
		Type:       models.TranscriptPartial,
		Text:       partialText(utt.Final, a.chunks, a.cfg.FinalAfterChunks),
		Confidence: utt.Confidence * 0.8,
	}
	return a.last, nil
}

// partialText reveals words progressively: chunk k of n shows roughly k/n of
// the utterance, always at least one word and never the complete sentence.
func partialText(final string, k, n int) string {
	words := strings.Fields(final)
	if len(words) <= 1 {
		return final
	}
	shown := 1 + (k-1)*(len(words)-1)/n
	if shown >= len(words) {
		shown = len(words) - 1
	}
	return strings.Join(words[:shown], " ")
}

// Close ends the mock session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
