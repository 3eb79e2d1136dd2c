package ingest

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames []models.AudioFrame
}

func (p *recordingPublisher) PublishAudio(_ context.Context, f models.AudioFrame) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return "id", nil
}

func (p *recordingPublisher) snapshot() []models.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AudioFrame(nil), p.frames...)
}

func (p *recordingPublisher) waitFor(t *testing.T, n int) []models.AudioFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(p.snapshot()))
	return nil
}

func newTestSession() (*session, *recordingPublisher) {
	pub := &recordingPublisher{}
	h := NewHandler(Config{}, pub, metrics.NewMetrics(prometheus.NewRegistry()))
	return newSession(h), pub
}

const startMsg = `{"event":"start","stream_sid":"s1","start":{"call_sid":"call-1","account_sid":"acme",
	"media_format":{"encoding":"base64","sample_rate":"16000"}}}`

func mediaMsg(sid string, audio []byte) string {
	return `{"event":"media","stream_sid":"` + sid + `","media":{"chunk":1,"payload":"` +
		base64.StdEncoding.EncodeToString(audio) + `"}}`
}

func TestSession_StartMediaStop(t *testing.T) {
	s, pub := newTestSession()
	ctx := context.Background()

	s.handle(ctx, []byte(`{"event":"connected"}`))
	s.handle(ctx, []byte(startMsg))
	s.handle(ctx, []byte(mediaMsg("s1", make([]byte, 320))))
	s.handle(ctx, []byte(mediaMsg("s1", make([]byte, 320))))
	s.handle(ctx, []byte(`{"event":"dtmf","stream_sid":"s1","dtmf":{"digit":"1"}}`))
	s.handle(ctx, []byte(`{"event":"stop","stream_sid":"s1","stop":{"reason":"callended"}}`))

	got := pub.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 2 media frames and 1 end frame, got %d", len(got))
	}
	for i, f := range got {
		if f.InteractionID != "call-1" || f.TenantID != "acme" {
			t.Errorf("frame %d: unexpected identity %s/%s", i, f.TenantID, f.InteractionID)
		}
		if f.Seq != int64(i+1) {
			t.Errorf("frame %d: expected seq %d, got %d", i, i+1, f.Seq)
		}
		if f.SampleRate != 16000 || f.Encoding != models.EncodingPCM16 {
			t.Errorf("frame %d: unexpected format %d/%s", i, f.SampleRate, f.Encoding)
		}
	}
	if got[0].EndOfCall || len(got[0].Audio) != 320 {
		t.Errorf("expected a 320 byte media frame, got %+v", got[0])
	}
	if !got[2].EndOfCall || len(got[2].Audio) != 0 {
		t.Errorf("expected an empty end-of-call frame, got %+v", got[2])
	}

	s.closeAll(ctx, "disconnected")
	if len(pub.snapshot()) != 3 {
		t.Error("stopped stream must not be ended again on close")
	}
}

func TestSession_IgnoresInvalidMedia(t *testing.T) {
	s, pub := newTestSession()
	ctx := context.Background()

	s.handle(ctx, []byte(mediaMsg("s1", []byte{1, 2})))
	s.handle(ctx, []byte(`not json`))
	s.handle(ctx, []byte(startMsg))
	s.handle(ctx, []byte(`{"event":"media","stream_sid":"s1","media":{"payload":"%%%"}}`))
	s.handle(ctx, []byte(`{"event":"media","stream_sid":"s1","media":{}}`))
	s.handle(ctx, []byte(mediaMsg("other", []byte{1, 2})))
	s.handle(ctx, []byte(`{"event":"stop","stream_sid":"other"}`))

	if got := pub.snapshot(); len(got) != 0 {
		t.Errorf("expected nothing published, got %+v", got)
	}
}

func TestSession_StartDefaults(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		tenant   string
		id       string
		rate     int
		encoding models.Encoding
	}{
		{
			name:     "numeric rate and mulaw",
			msg:      `{"event":"start","stream_sid":"s1","start":{"call_sid":"c1","account_sid":"a","media_format":{"encoding":"ulaw","sample_rate":8000}}}`,
			tenant:   "a",
			id:       "c1",
			rate:     8000,
			encoding: models.EncodingMulaw,
		},
		{
			name:     "unsupported rate falls back",
			msg:      `{"event":"start","stream_sid":"s1","start":{"call_sid":"c1","media_format":{"sample_rate":"44100"}}}`,
			tenant:   DefaultTenant,
			id:       "c1",
			rate:     8000,
			encoding: models.EncodingPCM16,
		},
		{
			name:     "stream sid when no call sid",
			msg:      `{"event":"start","start":{"stream_sid":"s1","media_format":{"sample_rate":"24000"}}}`,
			tenant:   DefaultTenant,
			id:       "s1",
			rate:     24000,
			encoding: models.EncodingPCM16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pub := newTestSession()
			ctx := context.Background()
			s.handle(ctx, []byte(tt.msg))
			s.handle(ctx, []byte(mediaMsg("s1", []byte{1, 2, 3, 4})))

			got := pub.snapshot()
			if len(got) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(got))
			}
			f := got[0]
			if f.TenantID != tt.tenant || f.InteractionID != tt.id {
				t.Errorf("expected %s/%s, got %s/%s", tt.tenant, tt.id, f.TenantID, f.InteractionID)
			}
			if f.SampleRate != tt.rate || f.Encoding != tt.encoding {
				t.Errorf("expected %d/%s, got %d/%s", tt.rate, tt.encoding, f.SampleRate, f.Encoding)
			}
		})
	}
}

func TestHandler_Websocket(t *testing.T) {
	pub := &recordingPublisher{}
	srv := httptest.NewServer(NewHandler(Config{}, pub, metrics.NewMetrics(prometheus.NewRegistry())))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	for _, m := range []string{startMsg, mediaMsg("s1", make([]byte, 160))} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	pub.waitFor(t, 1)

	// Dropping the socket without stop still ends the call.
	conn.Close()
	got := pub.waitFor(t, 2)
	if !got[1].EndOfCall || got[1].Seq != 2 {
		t.Errorf("expected end-of-call frame with seq 2, got %+v", got[1])
	}
}
