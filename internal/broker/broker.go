// Package broker defines the publish/subscribe contract shared by the
// in-process queue, the Redis Streams consumer-group log and the Kafka
// partitioned log.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

var (
	// ErrBrokerUnavailable wraps transient backend connection failures.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrEncoding is returned when a payload cannot be serialized or decoded.
	ErrEncoding = errors.New("encoding error")
	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("broker closed")
	// ErrIntrospectionUnsupported is returned by backends that cannot list topics.
	ErrIntrospectionUnsupported = errors.New("topic introspection not supported")
)

// Header keys attached to every published message.
const (
	HeaderTenantID      = "tenant_id"
	HeaderInteractionID = "interaction_id"
	HeaderSeq           = "seq"
	HeaderMessageID     = "message_id"
	HeaderPrincipal     = "principal"
)

// Delivery is one message handed to a subscription handler.
type Delivery struct {
	ID      string
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Decode unmarshals the delivery payload into v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Value, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrEncoding, d.Topic, err)
	}
	return nil
}

// Handler is invoked once per delivered message, at least once. A non-nil
// error leaves the message unacknowledged for redelivery where the backend
// retains history. Handlers must be idempotent.
type Handler func(ctx context.Context, d *Delivery) error

// Broker is the contract every backend implements.
type Broker interface {
	// Publish appends msg to topic and returns the backend message id.
	Publish(ctx context.Context, topic string, msg models.Envelope) (string, error)
	// Subscribe registers h for topic. Deliveries run on a goroutine owned by
	// the returned handle.
	Subscribe(ctx context.Context, topic string, h Handler, opts ...SubscribeOption) (*Handle, error)
	// Ack marks messageID processed. It is a no-op on backends without
	// delivery cursors and is idempotent everywhere.
	Ack(ctx context.Context, h *Handle, messageID string) error
	// Close stops every handler registered through this adapter. Idempotent.
	Close() error
}

// Lister is implemented by backends that can enumerate their channels.
type Lister interface {
	ListTopics(ctx context.Context, prefix string) ([]string, error)
}

// Retirer is implemented by backends that can drop a finished channel so it
// is no longer listed or retained.
type Retirer interface {
	Retire(ctx context.Context, topic string) error
}

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// ManualAck disables the automatic ack after a successful handler call.
	ManualAck bool
	// Group overrides the adapter's consumer group for this subscription.
	Group string
	// FromStart makes a group that does not exist yet begin at the oldest
	// retained message instead of the head. An existing group keeps its cursor.
	FromStart bool
}

// SubscribeOption mutates SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// WithManualAck makes the caller responsible for calling Ack.
func WithManualAck() SubscribeOption {
	return func(o *SubscribeOptions) { o.ManualAck = true }
}

// WithGroup sets the consumer group for one subscription.
func WithGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Group = group }
}

// FromStart starts a new group at the oldest retained message.
func FromStart() SubscribeOption {
	return func(o *SubscribeOptions) { o.FromStart = true }
}

// ApplyOptions folds opts over the zero value.
func ApplyOptions(opts []SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Encode serializes msg for the wire.
func Encode(msg models.Envelope) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncoding)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return b, nil
}

// HeadersFor returns the routing headers carried alongside msg.
func HeadersFor(msg models.Envelope) map[string]string {
	meta := msg.EnvelopeMeta()
	return map[string]string{
		HeaderTenantID:      meta.TenantID,
		HeaderInteractionID: meta.InteractionID,
		HeaderSeq:           strconv.FormatInt(meta.Seq, 10),
	}
}

// NewMessageID returns a sortable unique id for backends that do not assign one.
func NewMessageID() string {
	return xid.New().String()
}

// Handle is the owning reference to one subscription. Its only operations are
// Ack (through the adapter) and Unsubscribe.
type Handle struct {
	ID    string
	Topic string
	Group string

	active atomic.Bool
	once   sync.Once
	stop   func()
}

// NewHandle creates an active handle. stop must cancel future deliveries and
// wait for the delivery goroutine to exit.
func NewHandle(topic, group string, stop func()) *Handle {
	h := &Handle{
		ID:    xid.New().String(),
		Topic: topic,
		Group: group,
		stop:  stop,
	}
	h.active.Store(true)
	return h
}

// Active reports whether the handle still receives deliveries.
func (h *Handle) Active() bool {
	return h.active.Load()
}

// Unsubscribe stops deliveries. It waits for an in-flight handler call to
// return, so it must not be called from inside that handler. Idempotent.
func (h *Handle) Unsubscribe() error {
	h.once.Do(func() {
		h.active.Store(false)
		if h.stop != nil {
			h.stop()
		}
	})
	return nil
}

// Invoke runs h and converts a panic into an error so a misbehaving handler
// never kills the subscription loop.
func Invoke(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
