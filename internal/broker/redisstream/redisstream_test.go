package redisstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

func newTestBroker(t *testing.T, mr *miniredis.Miniredis, consumer string) *Broker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(client, Config{
		KeyPrefix:     "test:",
		Consumer:      consumer,
		Block:         50 * time.Millisecond,
		ClaimMinIdle:  50 * time.Millisecond,
		ClaimInterval: 100 * time.Millisecond,
	}, metrics.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func transcript(seq int64) models.Transcript {
	return models.Transcript{
		Meta: models.Meta{TenantID: "t1", InteractionID: "call-1", Seq: seq},
		Type: models.TranscriptPartial,
		Text: "hello",
	}
}

type recorder struct {
	mu   sync.Mutex
	seqs []int64
	got  chan *broker.Delivery
}

func newRecorder() *recorder {
	return &recorder{got: make(chan *broker.Delivery, 100)}
}

func (r *recorder) handle(_ context.Context, d *broker.Delivery) error {
	var tr models.Transcript
	if err := d.Decode(&tr); err != nil {
		return err
	}
	r.mu.Lock()
	r.seqs = append(r.seqs, tr.Seq)
	r.mu.Unlock()
	r.got <- d
	return nil
}

func (r *recorder) next(t *testing.T) *broker.Delivery {
	t.Helper()
	select {
	case d := <-r.got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	if _, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(i)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	for want := int64(1); want <= 3; want++ {
		d := r.next(t)
		if d.Headers[broker.HeaderInteractionID] != "call-1" {
			t.Errorf("expected interaction header, got %v", d.Headers)
		}
		if d.Key != "call-1" {
			t.Errorf("expected key call-1, got %s", d.Key)
		}
		var tr models.Transcript
		if err := d.Decode(&tr); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if tr.Seq != want {
			t.Errorf("expected seq %d, got %d", want, tr.Seq)
		}
	}
}

func TestSubscribe_StartsAtHead(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(2)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	d := r.next(t)
	var tr models.Transcript
	_ = d.Decode(&tr)
	if tr.Seq != 2 {
		t.Errorf("expected only post-subscribe message seq 2, got %d", tr.Seq)
	}
}

func TestSubscribe_GroupsGetOwnCopy(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	a, c := newRecorder(), newRecorder()

	if _, err := b.Subscribe(context.Background(), "transcript.call-1", a.handle, broker.WithGroup("g-a")); err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "transcript.call-1", c.handle, broker.WithGroup("g-c")); err != nil {
		t.Fatalf("subscribe c failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	a.next(t)
	c.next(t)
}

func TestSubscribe_SameGroupSplitsWork(t *testing.T) {
	mr := miniredis.RunT(t)
	b1 := newTestBroker(t, mr, "c1")
	b2 := newTestBroker(t, mr, "c2")
	got := make(chan int64, 20)

	handler := func(_ context.Context, d *broker.Delivery) error {
		var tr models.Transcript
		if err := d.Decode(&tr); err != nil {
			return err
		}
		got <- tr.Seq
		return nil
	}
	if _, err := b1.Subscribe(context.Background(), "transcript.call-1", handler); err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	if _, err := b2.Subscribe(context.Background(), "transcript.call-1", handler); err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}

	const n = 10
	for i := int64(1); i <= n; i++ {
		if _, err := b1.Publish(context.Background(), "transcript.call-1", transcript(i)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	seen := map[int64]int{}
	for i := 0; i < n; i++ {
		select {
		case seq := <-got:
			seen[seq]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d deliveries", i)
		}
	}
	for seq, count := range seen {
		if count != 1 {
			t.Errorf("seq %d delivered %d times within one group", seq, count)
		}
	}
}

func TestHandlerError_RedeliveredAfterClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	handler := func(context.Context, *broker.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		if attempts == 2 {
			close(done)
		}
		return nil
	}

	if _, err := b.Subscribe(context.Background(), "transcript.call-1", handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("failed message was not redelivered")
	}
}

func TestManualAck(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	h, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle, broker.WithManualAck())
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	d := r.next(t)

	pending, err := b.client.XPending(context.Background(), "test:transcript.call-1", h.Group).Result()
	if err != nil {
		t.Fatalf("xpending failed: %v", err)
	}
	if pending.Count != 1 {
		t.Errorf("expected 1 pending before ack, got %d", pending.Count)
	}

	if err := b.Ack(context.Background(), h, d.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := b.Ack(context.Background(), h, d.ID); err != nil {
		t.Errorf("second ack should be a no-op, got %v", err)
	}

	pending, err = b.client.XPending(context.Background(), "test:transcript.call-1", h.Group).Result()
	if err != nil {
		t.Fatalf("xpending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected 0 pending after ack, got %d", pending.Count)
	}
}

func TestUnsubscribe_ThenResubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	h, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := h.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if h.Active() {
		t.Error("expected inactive handle")
	}

	if _, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle); err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(7)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	d := r.next(t)
	var tr models.Transcript
	_ = d.Decode(&tr)
	if tr.Seq != 7 {
		t.Errorf("expected seq 7 after resubscribe, got %d", tr.Seq)
	}
}

func TestListTopics(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")

	for _, topic := range []string{"transcript.b", "transcript.a", "audio_stream"} {
		if _, err := b.Publish(context.Background(), topic, transcript(1)); err != nil {
			t.Fatalf("publish %s failed: %v", topic, err)
		}
	}

	got, err := b.ListTopics(context.Background(), "transcript.")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0] != "transcript.a" || got[1] != "transcript.b" {
		t.Errorf("unexpected topics %v", got)
	}
}

func TestPublish_Errors(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")

	if _, err := b.Publish(context.Background(), "", transcript(1)); !errors.Is(err, broker.ErrEncoding) {
		t.Errorf("expected ErrEncoding for empty topic, got %v", err)
	}

	mr.Close()
	b.cfg.PublishMaxElapsed = 200 * time.Millisecond
	b.cfg.Backoff = broker.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	if _, err := b.Publish(context.Background(), "transcript.x", transcript(1)); !errors.Is(err, broker.ErrBrokerUnavailable) {
		t.Errorf("expected ErrBrokerUnavailable with server down, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")

	h, err := b.Subscribe(context.Background(), "transcript.call-1", func(context.Context, *broker.Delivery) error { return nil })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if h.Active() {
		t.Error("expected handle closed with the broker")
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(1)); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribe_FromStartReadsBacklog(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	for i := int64(1); i <= 3; i++ {
		if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(i)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if _, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle, broker.FromStart()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Publish(context.Background(), "transcript.call-1", transcript(4)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for want := int64(1); want <= 4; want++ {
		var tr models.Transcript
		_ = r.next(t).Decode(&tr)
		if tr.Seq != want {
			t.Errorf("expected seq %d, got %d", want, tr.Seq)
		}
	}
}

func TestSubscribe_FromStartKeepsGroupCursor(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	r := newRecorder()

	h, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle, broker.FromStart())
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	_, _ = b.Publish(context.Background(), "transcript.call-1", transcript(1))
	r.next(t)
	_ = h.Unsubscribe()

	_, _ = b.Publish(context.Background(), "transcript.call-1", transcript(2))
	if _, err := b.Subscribe(context.Background(), "transcript.call-1", r.handle, broker.FromStart()); err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}

	var tr models.Transcript
	_ = r.next(t).Decode(&tr)
	if tr.Seq != 2 {
		t.Errorf("expected the group to resume at seq 2, got %d", tr.Seq)
	}
}

func TestRetire_ExpiresStream(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")

	if _, err := b.Publish(context.Background(), "transcript.ended", transcript(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Retire(context.Background(), "transcript.ended"); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if ttl := mr.TTL("test:transcript.ended"); ttl != b.cfg.RetiredTTL {
		t.Errorf("expected ttl %v, got %v", b.cfg.RetiredTTL, ttl)
	}

	mr.FastForward(b.cfg.RetiredTTL)
	got, err := b.ListTopics(context.Background(), "transcript.")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected expired stream gone, got %v", got)
	}
}
