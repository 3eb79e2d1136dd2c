package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/broker/memory"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func transcript(seq int64, typ models.TranscriptType) models.Transcript {
	return models.Transcript{
		Meta:       models.Meta{TenantID: "t1", InteractionID: "int-123", Seq: seq, TimestampMs: models.NowMs()},
		Type:       typ,
		Text:       "hello world",
		Confidence: 0.9,
	}
}

func TestNew_LogOnlyMode(t *testing.T) {
	p := New(nil, Config{Principal: "test-svc"}, testMetrics())
	if p == nil {
		t.Fatal("expected non-nil publisher")
	}
	if p.enabled {
		t.Error("expected publisher to be disabled without a broker")
	}
	if p.principal != "test-svc" {
		t.Errorf("expected principal 'test-svc', got %s", p.principal)
	}
}

func TestPublisher_LogOnly_ReturnsID(t *testing.T) {
	p := New(nil, Config{}, testMetrics())

	id, err := p.PublishTranscript(context.Background(), transcript(1, models.TranscriptPartial))
	if err != nil {
		t.Fatalf("expected no error in log-only mode, got %v", err)
	}
	if id == "" {
		t.Error("expected a message id in log-only mode")
	}
}

func TestPublisher_PublishTranscript_RoutesByInteraction(t *testing.T) {
	b := memory.New(memory.Config{}, testMetrics())
	defer b.Close()
	p := New(b, Config{Principal: "test-svc"}, testMetrics())

	got := make(chan *broker.Delivery, 1)
	h, err := b.Subscribe(context.Background(), "transcript.int-123", func(_ context.Context, d *broker.Delivery) error {
		got <- d
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer h.Unsubscribe()

	if _, err := p.PublishTranscript(context.Background(), transcript(7, models.TranscriptFinal)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case d := <-got:
		var tr models.Transcript
		if err := d.Decode(&tr); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if tr.Seq != 7 || tr.Type != models.TranscriptFinal {
			t.Errorf("unexpected transcript %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript not delivered")
	}
}

func TestPublisher_PublishAudio_Sharding(t *testing.T) {
	tests := []struct {
		name  string
		shard bool
		want  string
	}{
		{"shared", false, topics.SharedAudioTopic},
		{"per tenant", true, "audio.t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New(memory.Config{}, testMetrics())
			defer b.Close()
			p := New(b, Config{ShardByTenant: tt.shard}, testMetrics())

			got := make(chan string, 1)
			h, _ := b.Subscribe(context.Background(), tt.want, func(_ context.Context, d *broker.Delivery) error {
				got <- d.Topic
				return nil
			})
			defer h.Unsubscribe()

			frame := models.AudioFrame{
				Meta:       models.Meta{TenantID: "t1", InteractionID: "int-123", Seq: 1},
				SampleRate: 8000,
				Encoding:   models.EncodingPCM16,
				Audio:      []byte{0, 1, 2, 3},
			}
			if _, err := p.PublishAudio(context.Background(), frame); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			select {
			case topic := <-got:
				if topic != tt.want {
					t.Errorf("expected topic %s, got %s", tt.want, topic)
				}
			case <-time.After(time.Second):
				t.Fatal("frame not delivered")
			}
		})
	}
}

func TestPublisher_RejectsInvalid(t *testing.T) {
	p := New(nil, Config{}, testMetrics())

	tests := []struct {
		name    string
		publish func() error
		wantErr error
	}{
		{"transcript without interaction", func() error {
			tr := transcript(1, models.TranscriptFinal)
			tr.InteractionID = ""
			_, err := p.PublishTranscript(context.Background(), tr)
			return err
		}, topics.ErrMissingIdentifier},
		{"transcript bad type", func() error {
			_, err := p.PublishTranscript(context.Background(), transcript(1, "interim"))
			return err
		}, broker.ErrEncoding},
		{"intent empty", func() error {
			_, err := p.PublishIntent(context.Background(), models.Intent{Meta: models.Meta{TenantID: "t1", InteractionID: "i"}})
			return err
		}, broker.ErrEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.publish(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPublisher_ClosedBroker(t *testing.T) {
	b := memory.New(memory.Config{}, testMetrics())
	b.Close()
	p := New(b, Config{}, testMetrics())

	_, err := p.PublishTranscript(context.Background(), transcript(1, models.TranscriptPartial))
	if !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
