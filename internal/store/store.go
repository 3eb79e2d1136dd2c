// Package store persists transcripts and call state behind an opaque
// CallStore.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

// ErrNotFound is returned for unknown interactions.
var ErrNotFound = errors.New("call not found")

// Call is the stored state of one interaction.
type Call struct {
	InteractionID string     `json:"interactionId"`
	TenantID      string     `json:"tenantId"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	EndReason     string     `json:"endReason,omitempty"`
}

// CallStore is the call store contract.
type CallStore interface {
	// InsertTranscript stores t. A final replaces a partial with the same
	// seq; a partial never replaces a final. Repeats are no-ops.
	InsertTranscript(ctx context.Context, t models.Transcript) error
	// LatestTranscripts returns up to limit of the most recent transcripts with
	// seq > afterSeq, oldest first. Unknown-seq rows are returned only when
	// afterSeq is 0.
	LatestTranscripts(ctx context.Context, interactionID string, afterSeq int64, limit int) ([]models.Transcript, error)
	// EndCall marks the call ended.
	EndCall(ctx context.Context, interactionID, reason string) error
	// GetCall returns the call state.
	GetCall(ctx context.Context, interactionID string) (Call, error)
	Close()
}

// DefaultLimit bounds LatestTranscripts when limit is not positive.
const DefaultLimit = 100

// Memory is an in-process CallStore bounded per call.
type Memory struct {
	maxPerCall int

	mu    sync.RWMutex
	calls map[string]*memoryCall
}

type memoryCall struct {
	call        Call
	transcripts []models.Transcript
}

// NewMemory creates a memory store keeping at most maxPerCall transcripts per
// interaction.
func NewMemory(maxPerCall int) *Memory {
	if maxPerCall <= 0 {
		maxPerCall = 500
	}
	return &Memory{maxPerCall: maxPerCall, calls: make(map[string]*memoryCall)}
}

func (m *Memory) InsertTranscript(_ context.Context, t models.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[t.InteractionID]
	if !ok {
		c = &memoryCall{call: Call{InteractionID: t.InteractionID, TenantID: t.TenantID, StartedAt: time.Now()}}
		m.calls[t.InteractionID] = c
	}

	if t.Seq != models.SeqUnknown {
		for i := range c.transcripts {
			existing := &c.transcripts[i]
			if existing.Seq != t.Seq {
				continue
			}
			if t.IsFinal() && !existing.IsFinal() {
				*existing = t
			}
			return nil
		}
	}

	c.transcripts = append(c.transcripts, t)
	sort.SliceStable(c.transcripts, func(i, j int) bool {
		return c.transcripts[i].Seq < c.transcripts[j].Seq
	})
	if over := len(c.transcripts) - m.maxPerCall; over > 0 {
		c.transcripts = append([]models.Transcript(nil), c.transcripts[over:]...)
	}
	return nil
}

func (m *Memory) LatestTranscripts(_ context.Context, interactionID string, afterSeq int64, limit int) ([]models.Transcript, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.calls[interactionID]
	if !ok {
		return []models.Transcript{}, nil
	}
	out := make([]models.Transcript, 0, len(c.transcripts))
	for _, t := range c.transcripts {
		if t.Seq > afterSeq || (t.Seq == models.SeqUnknown && afterSeq == 0) {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) EndCall(_ context.Context, interactionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[interactionID]
	if !ok {
		c = &memoryCall{call: Call{InteractionID: interactionID, StartedAt: time.Now()}}
		m.calls[interactionID] = c
	}
	if c.call.EndedAt == nil {
		now := time.Now()
		c.call.EndedAt = &now
		c.call.EndReason = reason
	}
	return nil
}

func (m *Memory) GetCall(_ context.Context, interactionID string) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[interactionID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c.call, nil
}

func (m *Memory) Close() {}
