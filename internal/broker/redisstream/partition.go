package redisstream

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
)

const partitionSep = ":p"

// renewLease extends a lease only while the caller still holds it.
var renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (b *Broker) partitioned(topic string) bool {
	for _, p := range b.cfg.PartitionPrefixes {
		if p != "" && strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (b *Broker) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.cfg.Partitions))
}

func (b *Broker) partitionKey(topic string, part int) string {
	return b.streamKey(topic) + partitionSep + strconv.Itoa(part)
}

// logicalTopic maps a sub-stream name back to its topic.
func (b *Broker) logicalTopic(name string) string {
	i := strings.LastIndex(name, partitionSep)
	if i < 0 {
		return name
	}
	part, err := strconv.Atoi(name[i+len(partitionSep):])
	if err != nil || part < 0 || part >= b.cfg.Partitions || !b.partitioned(name[:i]) {
		return name
	}
	return name[:i]
}

func partitionedID(part int, entryID string) string {
	return "p" + strconv.Itoa(part) + "/" + entryID
}

func splitPartitionedID(id string) (int, string, bool) {
	head, entry, ok := strings.Cut(id, "/")
	if !ok || !strings.HasPrefix(head, "p") {
		return 0, "", false
	}
	part, err := strconv.Atoi(head[1:])
	if err != nil {
		return 0, "", false
	}
	return part, entry, true
}

// partitionedSub is one member's share of a partitioned topic. It keeps a
// heartbeat in the group's member set, leases up to its fair share of
// sub-streams and runs a reader on each one it holds.
type partitionedSub struct {
	b         *Broker
	handle    *broker.Handle
	h         broker.Handler
	start     string
	manualAck bool
	logger    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	owned map[int]*subscription
}

func (b *Broker) subscribePartitioned(topic, group, start string, h broker.Handler, manualAck bool) (*broker.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &partitionedSub{
		b:         b,
		h:         h,
		start:     start,
		manualAck: manualAck,
		logger:    logging.WithTopic("broker.redis", topic),
		cancel:    cancel,
		done:      make(chan struct{}),
		owned:     make(map[int]*subscription),
	}
	p.handle = broker.NewHandle(topic, group, func() {
		p.cancel()
		<-p.done
		b.mu.Lock()
		delete(b.subs, p.handle.ID)
		delete(b.parts, p.handle.ID)
		b.mu.Unlock()
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, broker.ErrClosed
	}
	b.subs[p.handle.ID] = p.handle
	b.parts[p.handle.ID] = p
	b.mu.Unlock()

	go p.run(ctx)

	b.logger.Info().
		Str("topic", topic).
		Str("group", group).
		Int("partitions", b.cfg.Partitions).
		Str("handleId", p.handle.ID).
		Msg("Partitioned subscription started")
	return p.handle, nil
}

func (p *partitionedSub) leaseKey(part int) string {
	return p.b.cfg.KeyPrefix + "lease:" + p.handle.Group + ":" + p.handle.Topic + partitionSep + strconv.Itoa(part)
}

func (p *partitionedSub) membersKey() string {
	return p.b.cfg.KeyPrefix + "members:" + p.handle.Group + ":" + p.handle.Topic
}

func (p *partitionedSub) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.b.cfg.LeaseRenew)
	defer ticker.Stop()
	for {
		p.balance(ctx)
		select {
		case <-ctx.Done():
			p.releaseAll()
			return
		case <-ticker.C:
		}
	}
}

// balance renews held leases, gives back partitions above the fair share and
// claims free ones up to it.
func (p *partitionedSub) balance(ctx context.Context) {
	b := p.b
	members, err := p.heartbeat(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("Member heartbeat failed")
		}
		return
	}
	target := (b.cfg.Partitions + members - 1) / members

	for _, part := range p.ownedPartitions() {
		held, err := renewLease.Run(ctx, b.client, []string{p.leaseKey(part)}, b.cfg.Consumer, b.cfg.LeaseTTL.Milliseconds()).Int()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Int("partition", part).Msg("Lease renewal failed")
			}
			continue
		}
		if held == 0 {
			p.logger.Warn().Int("partition", part).Msg("Partition lease lost")
			p.stop(part)
		}
	}

	owned := p.ownedPartitions()
	for len(owned) > target {
		part := owned[len(owned)-1]
		owned = owned[:len(owned)-1]
		p.release(ctx, part)
	}

	for part := 0; part < b.cfg.Partitions && len(owned) < target; part++ {
		if p.holds(part) {
			continue
		}
		ok, err := b.client.SetNX(ctx, p.leaseKey(part), b.cfg.Consumer, b.cfg.LeaseTTL).Result()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Int("partition", part).Msg("Lease claim failed")
			}
			return
		}
		if !ok {
			continue
		}
		if err := p.startPartition(ctx, part); err != nil {
			p.logger.Warn().Err(err).Int("partition", part).Msg("Partition reader failed to start")
			_ = releaseLease.Run(ctx, b.client, []string{p.leaseKey(part)}, b.cfg.Consumer).Err()
			continue
		}
		owned = append(owned, part)
	}
}

// heartbeat refreshes this member and returns the number of live members.
func (p *partitionedSub) heartbeat(ctx context.Context) (int, error) {
	now := time.Now()
	key := p.membersKey()
	var card *redis.IntCmd
	_, err := p.b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(p.b.cfg.LeaseTTL).UnixMilli()), Member: p.b.cfg.Consumer})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, classify("heartbeat", err)
	}
	if n := int(card.Val()); n > 0 {
		return n, nil
	}
	return 1, nil
}

func (p *partitionedSub) startPartition(ctx context.Context, part int) error {
	b := p.b
	stream := b.partitionKey(p.handle.Topic, part)
	if err := b.ensureGroup(ctx, stream, p.handle.Group, p.start); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		handle:    p.handle,
		stream:    stream,
		partition: part,
		start:     p.start,
		manualAck: p.manualAck,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.mu.Lock()
	p.owned[part] = s
	p.mu.Unlock()

	go b.consume(loopCtx, s, p.h)
	p.logger.Info().Int("partition", part).Str("consumer", b.cfg.Consumer).Msg("Partition acquired")
	return nil
}

// stop ends the reader for part and waits for its in-flight delivery.
func (p *partitionedSub) stop(part int) {
	p.mu.Lock()
	s, ok := p.owned[part]
	delete(p.owned, part)
	p.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

func (p *partitionedSub) release(ctx context.Context, part int) {
	p.stop(part)
	if err := releaseLease.Run(ctx, p.b.client, []string{p.leaseKey(part)}, p.b.cfg.Consumer).Err(); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Int("partition", part).Msg("Lease release failed")
	}
	p.logger.Info().Int("partition", part).Msg("Partition released")
}

func (p *partitionedSub) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, part := range p.ownedPartitions() {
		p.release(ctx, part)
	}
	_ = p.b.client.ZRem(ctx, p.membersKey(), p.b.cfg.Consumer).Err()
}

func (p *partitionedSub) holds(part int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owned[part]
	return ok
}

func (p *partitionedSub) ownedPartitions() []int {
	p.mu.Lock()
	out := make([]int, 0, len(p.owned))
	for part := range p.owned {
		out = append(out, part)
	}
	p.mu.Unlock()
	sort.Ints(out)
	return out
}
