// Package redisstream implements the durable consumer-group log backend on
// Redis Streams. Subscribers sharing a group split the stream; each group gets
// its own full copy. Unacknowledged entries are reclaimed after ClaimMinIdle
// and redelivered.
//
// Topics matching PartitionPrefixes are spread over Partitions sub-streams by
// message key. Group members lease whole sub-streams, so all messages for one
// key go to a single member.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

const (
	backendName = "redis"
	fieldData   = "data"
)

// Config holds Redis Streams backend configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every channel name to form the stream key.
	KeyPrefix string
	Group     string
	Consumer  string
	// MaxLen caps each stream approximately; 0 disables trimming.
	MaxLen        int64
	ReadCount     int64
	Block         time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration

	PublishMaxElapsed time.Duration
	Backoff           broker.BackoffConfig

	// Partitions is the sub-stream count for partitioned topics.
	Partitions        int
	PartitionPrefixes []string
	// LeaseTTL is how long a member keeps a sub-stream without renewing.
	LeaseTTL   time.Duration
	LeaseRenew time.Duration

	// RetiredTTL is how long a retired stream stays readable before it expires.
	RetiredTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "localhost:6379",
		KeyPrefix:         "",
		Group:             "rtaa",
		MaxLen:            10000,
		ReadCount:         32,
		Block:             time.Second,
		ClaimMinIdle:      30 * time.Second,
		ClaimInterval:     10 * time.Second,
		PublishMaxElapsed: 2 * time.Second,
		Backoff:           broker.DefaultBackoff(),
		Partitions:        8,
		LeaseTTL:          10 * time.Second,
		RetiredTTL:        5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Group == "" {
		c.Group = def.Group
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = host + "-" + xid.New().String()
	}
	if c.ReadCount <= 0 {
		c.ReadCount = def.ReadCount
	}
	if c.Block <= 0 {
		c.Block = def.Block
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = def.ClaimMinIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
	if c.PublishMaxElapsed <= 0 {
		c.PublishMaxElapsed = def.PublishMaxElapsed
	}
	if c.Partitions <= 0 {
		c.Partitions = def.Partitions
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.LeaseRenew <= 0 || c.LeaseRenew >= c.LeaseTTL {
		c.LeaseRenew = c.LeaseTTL / 3
	}
	if c.RetiredTTL <= 0 {
		c.RetiredTTL = def.RetiredTTL
	}
}

// Broker implements broker.Broker and broker.Lister on Redis Streams.
type Broker struct {
	cfg     Config
	client  *redis.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]*broker.Handle
	parts  map[string]*partitionedSub
	closed bool
}

// subscription reads one stream key. partition is -1 for unpartitioned topics.
type subscription struct {
	handle    *broker.Handle
	stream    string
	partition int
	start     string
	manualAck bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, m *metrics.Metrics) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, broker.Unavailable("ping "+cfg.Addr, err)
	}
	return New(client, cfg, m), nil
}

// New wraps an existing client. The broker owns client and closes it on Close.
func New(client *redis.Client, cfg Config, m *metrics.Metrics) *Broker {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.DefaultMetrics
	}
	logger := logging.WithComponent("broker.redis")
	logger.Info().
		Str("group", cfg.Group).
		Str("consumer", cfg.Consumer).
		Int64("maxLen", cfg.MaxLen).
		Int("partitions", cfg.Partitions).
		Strs("partitionPrefixes", cfg.PartitionPrefixes).
		Msg("Redis Streams broker initialized")

	return &Broker{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: m,
		subs:    make(map[string]*broker.Handle),
		parts:   make(map[string]*partitionedSub),
	}
}

// Client exposes the underlying connection for components that share it.
func (b *Broker) Client() *redis.Client {
	return b.client
}

func (b *Broker) streamKey(topic string) string {
	return b.cfg.KeyPrefix + topic
}

// Publish appends msg to the stream for topic and returns the entry id.
func (b *Broker) Publish(ctx context.Context, topic string, msg models.Envelope) (string, error) {
	start := time.Now()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", broker.ErrClosed
	}

	payload, err := broker.Encode(msg)
	if err == nil && topic == "" {
		err = fmt.Errorf("%w: empty topic", broker.ErrEncoding)
	}
	if err != nil {
		b.metrics.RecordBrokerPublish(backendName, topic, err, time.Since(start).Seconds())
		return "", err
	}

	values := map[string]any{fieldData: payload}
	for k, v := range broker.HeadersFor(msg) {
		values[k] = v
	}
	stream := b.streamKey(topic)
	if b.partitioned(topic) {
		stream = b.partitionKey(topic, b.partitionFor(msg.EnvelopeMeta().InteractionID))
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}

	id, err := broker.RetryPublish(ctx, b.logger, b.cfg.Backoff, b.cfg.PublishMaxElapsed, func() (string, error) {
		id, err := b.client.XAdd(ctx, args).Result()
		if err != nil {
			return "", classify("xadd "+topic, err)
		}
		return id, nil
	})

	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to append to stream")
	}
	b.metrics.RecordBrokerPublish(backendName, topic, err, time.Since(start).Seconds())
	return id, err
}

// Subscribe joins the consumer group on topic. A missing stream and group are
// created at the current head, or at the oldest entry with broker.FromStart.
// Partitioned topics are consumed through leased sub-streams.
func (b *Broker) Subscribe(ctx context.Context, topic string, h broker.Handler, opts ...broker.SubscribeOption) (*broker.Handle, error) {
	o := broker.ApplyOptions(opts)
	group := o.Group
	if group == "" {
		group = b.cfg.Group
	}
	start := "$"
	if o.FromStart {
		start = "0"
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	b.mu.Unlock()

	if b.partitioned(topic) {
		return b.subscribePartitioned(topic, group, start, h, o.ManualAck)
	}

	stream := b.streamKey(topic)
	if err := b.ensureGroup(ctx, stream, group, start); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		stream:    stream,
		partition: -1,
		start:     start,
		manualAck: o.ManualAck,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.handle = broker.NewHandle(topic, group, func() {
		s.cancel()
		<-s.done
		b.mu.Lock()
		delete(b.subs, s.handle.ID)
		b.mu.Unlock()
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, broker.ErrClosed
	}
	b.subs[s.handle.ID] = s.handle
	b.mu.Unlock()

	go b.consume(loopCtx, s, h)

	b.logger.Info().
		Str("topic", topic).
		Str("group", group).
		Str("handleId", s.handle.ID).
		Msg("Stream subscription started")
	return s.handle, nil
}

// ensureGroup creates group on stream at start ("$" or "0"). An existing group
// keeps its cursor.
func (b *Broker) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return classify("xgroup create "+stream, err)
	}
	return nil
}

func (b *Broker) consume(ctx context.Context, s *subscription, h broker.Handler) {
	defer close(s.done)
	logger := logging.WithTopic("broker.redis", s.handle.Topic)
	bo := broker.NewBackOff(b.cfg.Backoff)
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= b.cfg.ClaimInterval {
			lastClaim = time.Now()
			b.reclaim(ctx, s, h, logger)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.handle.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{s.stream, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			b.metrics.RecordBrokerReconnect(backendName)
			logger.Warn().Err(err).Dur("retryIn", wait).Msg("Read failed, reconnecting")
			if !broker.Sleep(ctx, wait) {
				return
			}
			// A flushed or restarted server loses the group.
			if gerr := b.ensureGroup(ctx, s.stream, s.handle.Group, s.start); gerr != nil {
				logger.Warn().Err(gerr).Msg("Group re-create failed")
			}
			continue
		}
		bo.Reset()

		for _, st := range streams {
			for _, m := range st.Messages {
				b.handle(ctx, s, h, m, logger)
			}
		}
	}
}

// reclaim takes over entries left pending longer than ClaimMinIdle, including
// ones this consumer failed to handle, and runs them again.
func (b *Broker) reclaim(ctx context.Context, s *subscription, h broker.Handler, logger zerolog.Logger) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.handle.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    b.cfg.ReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug().Err(err).Msg("Auto-claim failed")
		}
		return
	}
	if len(msgs) > 0 {
		logger.Info().Int("count", len(msgs)).Msg("Reclaimed pending entries")
	}
	for _, m := range msgs {
		b.handle(ctx, s, h, m, logger)
	}
}

func (b *Broker) handle(ctx context.Context, s *subscription, h broker.Handler, m redis.XMessage, logger zerolog.Logger) {
	d := toDelivery(s.handle.Topic, m)
	if s.partition >= 0 {
		d.ID = partitionedID(s.partition, m.ID)
		d.Headers[broker.HeaderMessageID] = d.ID
	}
	if err := broker.Invoke(ctx, h, d); err != nil {
		b.metrics.RecordBrokerDelivery(backendName, err)
		logger.Error().Err(err).Str("messageId", d.ID).Msg("Handler failed, left pending")
		return
	}
	b.metrics.RecordBrokerDelivery(backendName, nil)

	if s.manualAck {
		return
	}
	if err := b.client.XAck(ctx, s.stream, s.handle.Group, m.ID).Err(); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Str("messageId", m.ID).Msg("Ack failed")
	}
}

// Ack acknowledges messageID for the handle's group. Acking an unknown or
// already acknowledged id is a no-op on the server.
func (b *Broker) Ack(ctx context.Context, h *broker.Handle, messageID string) error {
	if h == nil {
		return nil
	}
	stream := b.streamKey(h.Topic)
	if b.partitioned(h.Topic) {
		part, entry, ok := splitPartitionedID(messageID)
		if !ok {
			return nil
		}
		stream, messageID = b.partitionKey(h.Topic, part), entry
	}
	if err := b.client.XAck(ctx, stream, h.Group, messageID).Err(); err != nil {
		return classify("xack", err)
	}
	return nil
}

// ListTopics scans for stream keys whose channel name starts with prefix.
func (b *Broker) ListTopics(ctx context.Context, prefix string) ([]string, error) {
	match := b.cfg.KeyPrefix + prefix + "*"
	seen := make(map[string]struct{})
	var out []string

	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, classify("scan", err)
		}
		for _, k := range keys {
			name := b.logicalTopic(strings.TrimPrefix(k, b.cfg.KeyPrefix))
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

// Retire lets a finished channel's stream expire after RetiredTTL, which
// leaves late readers time to drain it. Partitioned topics are shared by many
// keys and are never retired.
func (b *Broker) Retire(ctx context.Context, topic string) error {
	if b.partitioned(topic) {
		return nil
	}
	if err := b.client.Expire(ctx, b.streamKey(topic), b.cfg.RetiredTTL).Err(); err != nil {
		return classify("expire "+topic, err)
	}
	return nil
}

// Close stops every subscription and closes the client. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := make([]*broker.Handle, 0, len(b.subs))
	for _, h := range b.subs {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = h.Unsubscribe()
	}
	return b.client.Close()
}

func toDelivery(topic string, m redis.XMessage) *broker.Delivery {
	d := &broker.Delivery{
		ID:      m.ID,
		Topic:   topic,
		Headers: make(map[string]string, len(m.Values)),
	}
	for k, v := range m.Values {
		s, _ := v.(string)
		if k == fieldData {
			d.Value = []byte(s)
			continue
		}
		d.Headers[k] = s
	}
	d.Key = d.Headers[broker.HeaderInteractionID]
	d.Headers[broker.HeaderMessageID] = m.ID
	return d
}

// classify maps server replies to permanent errors and everything else to
// ErrBrokerUnavailable.
func classify(op string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return broker.Unavailable(op, err)
}
