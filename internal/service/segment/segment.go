package segment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out per-interaction transcript sequence numbers starting at 1.
type Sequencer interface {
	Next(ctx context.Context, interactionId string) (int64, error)
	// Forget releases the counter once the interaction is finished.
	Forget(ctx context.Context, interactionId string)
}

// DefaultSequenceTTL is how long an unused counter is kept.
const DefaultSequenceTTL = 24 * time.Hour

type localCounter struct {
	n    int64
	last time.Time
}

// LocalSequencer counts in process memory. Numbers restart if the process
// does. Counters unused for ttl are dropped, matching RedisSequencer expiry.
type LocalSequencer struct {
	mu        sync.Mutex
	ttl       time.Duration
	counters  map[string]*localCounter
	lastPrune time.Time
	now       func() time.Time
}

// NewLocal creates an in-memory sequencer with DefaultSequenceTTL.
func NewLocal() *LocalSequencer {
	return NewLocalWithTTL(DefaultSequenceTTL)
}

// NewLocalWithTTL creates an in-memory sequencer whose counters expire ttl
// after their last use.
func NewLocalWithTTL(ttl time.Duration) *LocalSequencer {
	if ttl <= 0 {
		ttl = DefaultSequenceTTL
	}
	return &LocalSequencer{ttl: ttl, counters: make(map[string]*localCounter), now: time.Now}
}

func (g *LocalSequencer) Next(_ context.Context, interactionId string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)

	c, ok := g.counters[interactionId]
	if !ok || now.Sub(c.last) >= g.ttl {
		c = &localCounter{}
		g.counters[interactionId] = c
	}
	c.n++
	c.last = now
	return c.n, nil
}

func (g *LocalSequencer) Forget(_ context.Context, interactionId string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counters, interactionId)
}

// Len returns the number of live counters.
func (g *LocalSequencer) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.counters)
}

// pruneLocked sweeps expired counters at most every ttl/4.
func (g *LocalSequencer) pruneLocked(now time.Time) {
	if now.Sub(g.lastPrune) < g.ttl/4 {
		return
	}
	g.lastPrune = now
	for id, c := range g.counters {
		if now.Sub(c.last) >= g.ttl {
			delete(g.counters, id)
		}
	}
}

// RedisSequencer keeps counters in Redis so workers sharing a consumer group
// continue one sequence when an interaction moves between them.
type RedisSequencer struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed sequencer. Counters expire ttl after the
// last increment.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *RedisSequencer {
	if ttl <= 0 {
		ttl = DefaultSequenceTTL
	}
	return &RedisSequencer{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisSequencer) key(interactionId string) string {
	return g.prefix + "seq:transcript:" + interactionId
}

func (g *RedisSequencer) Next(ctx context.Context, interactionId string) (int64, error) {
	key := g.key(interactionId)
	var incr *redis.IntCmd
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, g.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", interactionId, err)
	}
	return incr.Val(), nil
}

func (g *RedisSequencer) Forget(ctx context.Context, interactionId string) {
	_ = g.client.Del(ctx, g.key(interactionId)).Err()
}
