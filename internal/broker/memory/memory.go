// Package memory provides the in-process queue backend. Each topic keeps a
// short window of recent messages for subscribers that ask to start from the
// oldest one; everyone else only sees messages published after subscribing.
// Ack is a no-op.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

const backendName = "memory"

// Config holds in-process queue settings.
type Config struct {
	// BufferSize is the per-subscriber queue depth.
	BufferSize int
	// MaxFlushLatency bounds how long Publish waits on a full subscriber queue
	// before dropping the message for that subscriber.
	MaxFlushLatency time.Duration
	// Retain is the number of recent messages kept per topic.
	Retain int
	// TopicTTL drops a topic with no subscribers once nothing was published
	// to it for this long.
	TopicTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      256,
		MaxFlushLatency: 50 * time.Millisecond,
		Retain:          128,
		TopicTTL:        time.Hour,
	}
}

// Broker implements broker.Broker and broker.Lister in process.
type Broker struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	subs      map[string]map[string]*subscriber
	topics    map[string]*topicState
	lastPrune time.Time
	closed    bool
}

type topicState struct {
	history    []*broker.Delivery
	lastActive time.Time
	// retired topics are dropped as soon as their last subscriber leaves.
	retired bool
}

type subscriber struct {
	handle *broker.Handle
	ch     chan *broker.Delivery
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an in-process broker.
func New(cfg Config, m *metrics.Metrics) *Broker {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxFlushLatency <= 0 {
		cfg.MaxFlushLatency = def.MaxFlushLatency
	}
	if cfg.Retain < 0 {
		cfg.Retain = 0
	} else if cfg.Retain == 0 {
		cfg.Retain = def.Retain
	}
	if cfg.TopicTTL <= 0 {
		cfg.TopicTTL = def.TopicTTL
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Broker{
		cfg:     cfg,
		logger:  logging.WithComponent("broker.memory"),
		metrics: m,
		subs:    make(map[string]map[string]*subscriber),
		topics:  make(map[string]*topicState),
	}
}

// Publish fans msg out to every current subscriber of topic.
func (b *Broker) Publish(ctx context.Context, topic string, msg models.Envelope) (string, error) {
	start := time.Now()
	payload, err := broker.Encode(msg)
	if err != nil {
		b.metrics.RecordBrokerPublish(backendName, topic, err, time.Since(start).Seconds())
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("%w: empty topic", broker.ErrEncoding)
	}

	id := broker.NewMessageID()
	headers := broker.HeadersFor(msg)
	headers[broker.HeaderMessageID] = id
	key := msg.EnvelopeMeta().InteractionID
	now := time.Now()

	// Recording history and snapshotting subscribers under one lock keeps a
	// FromStart subscriber from missing or repeating this message.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", broker.ErrClosed
	}
	st := b.topicLocked(topic, now)
	st.retired = false
	if b.cfg.Retain > 0 {
		st.history = append(st.history, &broker.Delivery{ID: id, Topic: topic, Key: key, Value: payload, Headers: headers})
		if n := len(st.history) - b.cfg.Retain; n > 0 {
			st.history = append(st.history[:0:0], st.history[n:]...)
		}
	}
	targets := make([]*subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.pruneLocked(now)
	b.mu.Unlock()

	for _, s := range targets {
		d := &broker.Delivery{ID: id, Topic: topic, Key: key, Value: payload, Headers: cloneHeaders(headers)}
		b.deliver(ctx, s, d)
	}

	b.metrics.RecordBrokerPublish(backendName, topic, nil, time.Since(start).Seconds())
	return id, nil
}

func (b *Broker) deliver(ctx context.Context, s *subscriber, d *broker.Delivery) {
	select {
	case s.ch <- d:
		return
	default:
	}

	timer := time.NewTimer(b.cfg.MaxFlushLatency)
	defer timer.Stop()
	select {
	case s.ch <- d:
	case <-s.ctx.Done():
	case <-ctx.Done():
		b.metrics.RecordBrokerDropped(backendName)
	case <-timer.C:
		b.metrics.RecordBrokerDropped(backendName)
		b.logger.Warn().
			Str("topic", d.Topic).
			Str("handleId", s.handle.ID).
			Msg("Subscriber queue full, message dropped")
	}
}

// Subscribe registers h for topic. With broker.FromStart the retained history
// is delivered first, in publish order.
func (b *Broker) Subscribe(_ context.Context, topic string, h broker.Handler, opts ...broker.SubscribeOption) (*broker.Handle, error) {
	o := broker.ApplyOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		ch:     make(chan *broker.Delivery, b.cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.handle = broker.NewHandle(topic, o.Group, func() {
		s.cancel()
		<-s.done
		b.remove(topic, s.handle.ID)
	})

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscriber)
	}
	b.subs[topic][s.handle.ID] = s
	st := b.topicLocked(topic, time.Now())

	var backlog []*broker.Delivery
	if o.FromStart {
		backlog = make([]*broker.Delivery, 0, len(st.history))
		for _, d := range st.history {
			c := *d
			c.Headers = cloneHeaders(d.Headers)
			backlog = append(backlog, &c)
		}
	}

	go b.run(s, h, backlog)

	b.logger.Debug().Str("topic", topic).Str("handleId", s.handle.ID).Msg("Subscribed")
	return s.handle, nil
}

func (b *Broker) run(s *subscriber, h broker.Handler, backlog []*broker.Delivery) {
	defer close(s.done)
	for _, d := range backlog {
		if s.ctx.Err() != nil {
			return
		}
		b.invoke(s, h, d)
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.ch:
			if s.ctx.Err() != nil {
				return
			}
			b.invoke(s, h, d)
		}
	}
}

func (b *Broker) invoke(s *subscriber, h broker.Handler, d *broker.Delivery) {
	if err := broker.Invoke(s.ctx, h, d); err != nil {
		b.metrics.RecordBrokerDelivery(backendName, err)
		b.logger.Error().Err(err).
			Str("topic", d.Topic).
			Str("messageId", d.ID).
			Msg("Handler failed, message not redelivered")
		return
	}
	b.metrics.RecordBrokerDelivery(backendName, nil)
}

func (b *Broker) remove(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, topic)
			if st, ok := b.topics[topic]; ok && st.retired {
				delete(b.topics, topic)
			}
		}
	}
}

func (b *Broker) topicLocked(topic string, now time.Time) *topicState {
	st, ok := b.topics[topic]
	if !ok {
		st = &topicState{}
		b.topics[topic] = st
	}
	st.lastActive = now
	return st
}

// pruneLocked drops topics nobody subscribes to and nothing was published to
// within TopicTTL. It scans at most once per quarter TTL.
func (b *Broker) pruneLocked(now time.Time) {
	if now.Sub(b.lastPrune) < b.cfg.TopicTTL/4 {
		return
	}
	b.lastPrune = now
	for name, st := range b.topics {
		if len(b.subs[name]) == 0 && now.Sub(st.lastActive) >= b.cfg.TopicTTL {
			delete(b.topics, name)
		}
	}
}

// Retire forgets topic and its history. When subscribers remain it is
// dropped once the last one leaves. A later publish brings it back.
func (b *Broker) Retire(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.topics[topic]
	if !ok {
		return nil
	}
	if len(b.subs[topic]) == 0 {
		delete(b.topics, topic)
		return nil
	}
	st.retired = true
	st.history = nil
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Ack is a no-op: the in-process queue keeps no delivery cursor.
func (b *Broker) Ack(context.Context, *broker.Handle, string) error {
	return nil
}

// ListTopics returns every live topic that has been published to or
// subscribed on.
func (b *Broker) ListTopics(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	b.pruneLocked(time.Now())
	var out []string
	for name := range b.topics {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscription. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var handles []*broker.Handle
	for _, subs := range b.subs {
		for _, s := range subs {
			handles = append(handles, s.handle)
		}
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = h.Unsubscribe()
	}
	b.logger.Info().Int("subscriptions", len(handles)).Msg("In-process broker closed")
	return nil
}
