package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b := New(cfg, metrics.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew_AppliesDefaults(t *testing.T) {
	b := newTestBroker(t, Config{})

	if len(b.cfg.Brokers) != 1 || b.cfg.Brokers[0] != "localhost:9092" {
		t.Errorf("expected default broker, got %v", b.cfg.Brokers)
	}
	if b.cfg.GroupID != "rtaa" {
		t.Errorf("expected default group 'rtaa', got %s", b.cfg.GroupID)
	}
	if b.writer.Topic != "" {
		t.Errorf("writer must not pin a topic, got %s", b.writer.Topic)
	}
	if _, ok := b.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", b.writer.Balancer)
	}
}

func TestMessage_KeyAndHeaders(t *testing.T) {
	b := newTestBroker(t, Config{Principal: "asr-worker"})

	tr := models.Transcript{
		Meta: models.Meta{TenantID: "t1", InteractionID: "call-1", Seq: 4},
		Type: models.TranscriptPartial,
		Text: "hello",
	}
	km, id, err := b.message("transcript.call-1", tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Error("expected message id")
	}
	if km.Topic != "transcript.call-1" {
		t.Errorf("expected topic transcript.call-1, got %s", km.Topic)
	}
	if string(km.Key) != "call-1" {
		t.Errorf("expected key call-1, got %s", km.Key)
	}

	got := map[string]string{}
	for _, h := range km.Headers {
		got[h.Key] = string(h.Value)
	}
	want := map[string]string{
		broker.HeaderTenantID:      "t1",
		broker.HeaderInteractionID: "call-1",
		broker.HeaderSeq:           "4",
		broker.HeaderMessageID:     id,
		broker.HeaderPrincipal:     "asr-worker",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("header %s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestMessage_EmptyTopic(t *testing.T) {
	b := newTestBroker(t, Config{})

	_, _, err := b.message("", models.Transcript{})
	if !errors.Is(err, broker.ErrEncoding) {
		t.Errorf("expected ErrEncoding, got %v", err)
	}
}

func TestToDelivery(t *testing.T) {
	m := kafka.Message{
		Topic:     "transcript.call-9",
		Partition: 2,
		Offset:    41,
		Key:       []byte("call-9"),
		Value:     []byte(`{"seq":1}`),
		Headers:   []kafka.Header{{Key: broker.HeaderSeq, Value: []byte("1")}},
	}

	d := toDelivery(m)
	if d.ID != "transcript.call-9/2/41" {
		t.Errorf("unexpected delivery id %s", d.ID)
	}
	if d.Key != "call-9" {
		t.Errorf("expected key call-9, got %s", d.Key)
	}
	if d.Headers[broker.HeaderSeq] != "1" {
		t.Errorf("expected seq header, got %v", d.Headers)
	}
}

func TestTopicsWithPrefix(t *testing.T) {
	partitions := []kafka.Partition{
		{Topic: "transcript.b", ID: 0},
		{Topic: "transcript.a", ID: 0},
		{Topic: "transcript.a", ID: 1},
		{Topic: "audio_stream", ID: 0},
	}

	got := topicsWithPrefix(partitions, "transcript.")
	if len(got) != 2 || got[0] != "transcript.a" || got[1] != "transcript.b" {
		t.Errorf("unexpected topics %v", got)
	}
}

func TestAck_UnknownIsNoop(t *testing.T) {
	b := newTestBroker(t, Config{})

	if err := b.Ack(context.Background(), nil, "x"); err != nil {
		t.Errorf("expected nil for nil handle, got %v", err)
	}
	h := broker.NewHandle("transcript.x", "g", nil)
	if err := b.Ack(context.Background(), h, "x/0/1"); err != nil {
		t.Errorf("expected nil for unknown handle, got %v", err)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	b := newTestBroker(t, Config{})

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	_, err := b.Publish(context.Background(), "transcript.x", models.Transcript{})
	if !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	_, err = b.Subscribe(context.Background(), "transcript.x", func(context.Context, *broker.Delivery) error { return nil })
	if !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestStartOffset(t *testing.T) {
	if got := startOffset(broker.ApplyOptions(nil)); got != kafka.LastOffset {
		t.Errorf("expected LastOffset by default, got %d", got)
	}
	if got := startOffset(broker.ApplyOptions([]broker.SubscribeOption{broker.FromStart()})); got != kafka.FirstOffset {
		t.Errorf("expected FirstOffset with FromStart, got %d", got)
	}
}

func TestNew_HandlerAttemptsDefault(t *testing.T) {
	b := newTestBroker(t, Config{})
	if b.cfg.HandlerAttempts != 5 {
		t.Errorf("expected 5 handler attempts, got %d", b.cfg.HandlerAttempts)
	}
}
