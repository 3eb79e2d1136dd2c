// Package kafka implements the partitioned-log broker backend on kafka-go.
// Messages are keyed by interaction id so one interaction always lands on one
// partition and keeps its order.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

const backendName = "kafka"

// Config holds Kafka backend configuration.
type Config struct {
	Brokers      []string
	GroupID      string
	Principal    string
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// PublishMaxElapsed bounds the total time Publish spends retrying.
	PublishMaxElapsed time.Duration
	Backoff           broker.BackoffConfig
	// HandlerAttempts bounds in-place handler retries for one message before
	// it is skipped.
	HandlerAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "rtaa",
		WriteTimeout:      10 * time.Second,
		DialTimeout:       10 * time.Second,
		PublishMaxElapsed: 2 * time.Second,
		Backoff:           broker.DefaultBackoff(),
		HandlerAttempts:   5,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.Brokers) == 0 {
		c.Brokers = def.Brokers
	}
	if c.GroupID == "" {
		c.GroupID = def.GroupID
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.PublishMaxElapsed <= 0 {
		c.PublishMaxElapsed = def.PublishMaxElapsed
	}
	if c.HandlerAttempts <= 0 {
		c.HandlerAttempts = def.HandlerAttempts
	}
}

// Broker implements broker.Broker and broker.Lister on Kafka.
type Broker struct {
	cfg     Config
	writer  *kafka.Writer
	dialer  *kafka.Dialer
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	handle *broker.Handle
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]kafka.Message
}

// New creates a Kafka broker. No connection is made until the first publish
// or subscribe.
func New(cfg Config, m *metrics.Metrics) *Broker {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.DefaultMetrics
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	// No fixed Topic: every message names its own channel.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}

	logger := logging.WithComponent("broker.kafka")
	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("groupId", cfg.GroupID).
		Str("principal", cfg.Principal).
		Msg("Kafka broker initialized")

	return &Broker{
		cfg:     cfg,
		writer:  writer,
		dialer:  dialer,
		logger:  logger,
		metrics: m,
		subs:    make(map[string]*subscription),
	}
}

// Publish writes msg to topic keyed by its interaction id.
func (b *Broker) Publish(ctx context.Context, topic string, msg models.Envelope) (string, error) {
	start := time.Now()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", broker.ErrClosed
	}

	km, id, err := b.message(topic, msg)
	if err != nil {
		b.metrics.RecordBrokerPublish(backendName, topic, err, time.Since(start).Seconds())
		return "", err
	}

	id, err = broker.RetryPublish(ctx, b.logger, b.cfg.Backoff, b.cfg.PublishMaxElapsed, func() (string, error) {
		if err := b.writer.WriteMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", broker.Unavailable("write "+topic, err)
		}
		return id, nil
	})

	if err != nil {
		b.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", string(km.Key)).
			Msg("Failed to write to Kafka")
	}
	b.metrics.RecordBrokerPublish(backendName, topic, err, time.Since(start).Seconds())
	return id, err
}

func (b *Broker) message(topic string, msg models.Envelope) (kafka.Message, string, error) {
	payload, err := broker.Encode(msg)
	if err != nil {
		return kafka.Message{}, "", err
	}
	if topic == "" {
		return kafka.Message{}, "", fmt.Errorf("%w: empty topic", broker.ErrEncoding)
	}

	id := broker.NewMessageID()
	headers := broker.HeadersFor(msg)
	headers[broker.HeaderMessageID] = id
	if b.cfg.Principal != "" {
		headers[broker.HeaderPrincipal] = b.cfg.Principal
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.EnvelopeMeta().InteractionID),
		Value:   payload,
		Headers: toKafkaHeaders(headers),
	}, id, nil
}

// Subscribe starts a consumer-group reader on topic. A fresh group starts at
// the head of the log, or at the oldest offset with broker.FromStart; an
// existing group resumes from its committed offset.
func (b *Broker) Subscribe(_ context.Context, topic string, h broker.Handler, opts ...broker.SubscribeOption) (*broker.Handle, error) {
	o := broker.ApplyOptions(opts)
	group := o.Group
	if group == "" {
		group = b.cfg.GroupID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     group,
		Topic:       topic,
		StartOffset: startOffset(o),
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
		Dialer:      b.dialer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		reader:  reader,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]kafka.Message),
	}
	s.handle = broker.NewHandle(topic, group, func() {
		s.cancel()
		<-s.done
		if err := s.reader.Close(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("Error closing reader")
		}
		b.mu.Lock()
		delete(b.subs, s.handle.ID)
		b.mu.Unlock()
	})
	b.subs[s.handle.ID] = s

	go b.consume(ctx, s, h, o.ManualAck)

	b.logger.Info().
		Str("topic", topic).
		Str("groupId", group).
		Str("handleId", s.handle.ID).
		Msg("Kafka subscription started")
	return s.handle, nil
}

func (b *Broker) consume(ctx context.Context, s *subscription, h broker.Handler, manualAck bool) {
	defer close(s.done)
	logger := logging.WithTopic("broker.kafka", s.handle.Topic)
	bo := broker.NewBackOff(b.cfg.Backoff)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			b.metrics.RecordBrokerReconnect(backendName)
			logger.Warn().Err(err).Dur("retryIn", wait).Msg("Fetch failed, reconnecting")
			if !broker.Sleep(ctx, wait) {
				return
			}
			continue
		}
		bo.Reset()

		d := toDelivery(m)
		// The partition cursor only moves forward: the next commit would pass
		// a failed message, so it is retried here before the loop moves on.
		err = broker.InvokeRetry(ctx, logger, b.cfg.Backoff, b.cfg.HandlerAttempts, h, d)
		if err != nil && ctx.Err() != nil {
			return
		}
		b.metrics.RecordBrokerDelivery(backendName, err)
		if err != nil {
			logger.Error().Err(err).
				Str("messageId", d.ID).
				Int("attempts", b.cfg.HandlerAttempts).
				Msg("Handler failed, message skipped")
		}

		if manualAck && err == nil {
			s.mu.Lock()
			s.pending[d.ID] = m
			s.mu.Unlock()
			continue
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Str("messageId", d.ID).Msg("Commit failed")
		}
	}
}

// Ack commits a message delivered to a manual-ack subscription. Unknown or
// already committed ids are ignored.
func (b *Broker) Ack(ctx context.Context, h *broker.Handle, messageID string) error {
	if h == nil {
		return nil
	}
	b.mu.Lock()
	s, ok := b.subs[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	m, ok := s.pending[messageID]
	delete(s.pending, messageID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.reader.CommitMessages(ctx, m); err != nil {
		return broker.Unavailable("commit", err)
	}
	return nil
}

// ListTopics reads cluster metadata and returns topics starting with prefix.
func (b *Broker) ListTopics(ctx context.Context, prefix string) ([]string, error) {
	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return nil, broker.Unavailable("dial", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, broker.Unavailable("read partitions", err)
	}
	return topicsWithPrefix(partitions, prefix), nil
}

// Close stops all readers and flushes the writer. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := make([]*broker.Handle, 0, len(b.subs))
	for _, s := range b.subs {
		handles = append(handles, s.handle)
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = h.Unsubscribe()
	}

	if err := b.writer.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing writer")
		return err
	}
	return nil
}

func startOffset(o broker.SubscribeOptions) int64 {
	if o.FromStart {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}

func toDelivery(m kafka.Message) *broker.Delivery {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &broker.Delivery{
		ID:      deliveryID(m.Topic, m.Partition, m.Offset),
		Topic:   m.Topic,
		Key:     string(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}

func deliveryID(topic string, partition int, offset int64) string {
	return topic + "/" + strconv.Itoa(partition) + "/" + strconv.FormatInt(offset, 10)
}

func topicsWithPrefix(partitions []kafka.Partition, prefix string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range partitions {
		if !strings.HasPrefix(p.Topic, prefix) {
			continue
		}
		if _, ok := seen[p.Topic]; ok {
			continue
		}
		seen[p.Topic] = struct{}{}
		out = append(out, p.Topic)
	}
	sort.Strings(out)
	return out
}
