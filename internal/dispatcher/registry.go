package dispatcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

// subscription is one live transcript subscription.
type subscription struct {
	interactionId string
	handle        *broker.Handle
	active        atomic.Bool
	lastDelivery  atomic.Int64 // unix nanos

	// Touched only by the delivery goroutine.
	lastSeq   int64
	lastFinal bool
}

func newSubscription(interactionId string) *subscription {
	s := &subscription{interactionId: interactionId}
	s.active.Store(true)
	s.touch()
	return s
}

func (s *subscription) touch() {
	s.lastDelivery.Store(time.Now().UnixNano())
}

func (s *subscription) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastDelivery.Load()))
}

// duplicate reports whether t was already forwarded and records it otherwise.
// Unknown seqs are never deduplicated. A final may follow a partial with the
// same seq.
func (s *subscription) duplicate(t models.Transcript) bool {
	if t.Seq == models.SeqUnknown {
		return false
	}
	switch {
	case t.Seq < s.lastSeq:
		return true
	case t.Seq == s.lastSeq && (s.lastFinal || !t.IsFinal()):
		return true
	}
	s.lastSeq = t.Seq
	s.lastFinal = t.IsFinal()
	return false
}

// Registry maps interaction ids to their single live subscription.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*subscription)}
}

func (r *Registry) get(id string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// put stores s unless id is already present. It returns the stored entry.
func (r *Registry) put(s *subscription) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[s.interactionId]; ok {
		return existing, false
	}
	r.entries[s.interactionId] = s
	return s, true
}

func (r *Registry) remove(id string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entries[id]
	delete(r.entries, id)
	return s
}

func (r *Registry) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}

// IDs returns the subscribed interaction ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
