package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/exkrishan/rtaafin-sub011/internal/broker/memory"
	"github.com/exkrishan/rtaafin-sub011/internal/dispatcher"
	"github.com/exkrishan/rtaafin-sub011/internal/events"
	"github.com/exkrishan/rtaafin-sub011/internal/fanout"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/service/calls"
	"github.com/exkrishan/rtaafin-sub011/internal/sink"
	"github.com/exkrishan/rtaafin-sub011/internal/store"
)

type fixture struct {
	handler http.Handler
	hub     *fanout.Hub
	svc     *calls.Service
	metrics *metrics.Metrics
}

func newFixture() *fixture {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	hub := fanout.NewHub(fanout.Config{}, m)
	svc := calls.New(store.NewMemory(0), hub, nil, nil)
	return &fixture{
		handler: NewRouter(Deps{Calls: svc, Hub: hub, Metrics: m}),
		hub:     hub,
		svc:     svc,
		metrics: m,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func wire(seq int64, typ models.TranscriptType, text string) map[string]any {
	return map[string]any{
		"interaction_id": "call-1",
		"seq":            seq,
		"type":           typ,
		"text":           text,
		"confidence":     0.9,
		"timestamp_ms":   models.NowMs(),
	}
}

func decodeLatest(t *testing.T, rec *httptest.ResponseRecorder) LatestResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp LatestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	return resp
}

func TestIngestTranscript_StoresAndBroadcasts(t *testing.T) {
	f := newFixture()
	client := f.hub.Register("call-1")
	defer f.hub.Unregister(client)

	headers := map[string]string{sink.DefaultTenantHeader: "acme"}
	for _, body := range []map[string]any{
		wire(1, models.TranscriptPartial, "my debit"),
		wire(1, models.TranscriptFinal, "my debit card is not working"),
		wire(2, models.TranscriptPartial, "can you"),
	} {
		if rec := f.do(t, http.MethodPost, "/api/calls/ingest-transcript", body, headers); rec.Code != http.StatusOK {
			t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
		}
	}

	resp := decodeLatest(t, f.do(t, http.MethodGet, "/v1/live/latest?interactionId=call-1", nil, nil))
	if len(resp.Transcripts) != 2 || resp.LastSeq != 2 {
		t.Fatalf("expected 2 rows up to seq 2, got %+v", resp)
	}
	if resp.Transcripts[0].TenantID != "acme" || !resp.Transcripts[0].IsFinal() {
		t.Errorf("expected tenant from header and final seq 1, got %+v", resp.Transcripts[0])
	}

	resp = decodeLatest(t, f.do(t, http.MethodGet, "/v1/live/latest?interactionId=call-1&afterSeq=1", nil, nil))
	if len(resp.Transcripts) != 1 || resp.Transcripts[0].Seq != 2 {
		t.Errorf("expected only seq 2 after 1, got %+v", resp.Transcripts)
	}

	var types []fanout.EventType
	timeout := time.After(time.Second)
	for len(types) < 4 {
		select {
		case ev := <-client.Events():
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("expected 4 events, got %v", types)
		}
	}
	want := []fanout.EventType{
		fanout.EventTranscriptLine, fanout.EventTranscriptLine, fanout.EventIntentUpdate, fanout.EventTranscriptLine,
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestEndCall(t *testing.T) {
	f := newFixture()
	f.do(t, http.MethodPost, "/api/calls/ingest-transcript", wire(1, models.TranscriptFinal, "hello there"),
		map[string]string{sink.DefaultTenantHeader: "acme"})

	rec := f.do(t, http.MethodPost, "/api/calls/call-1/end", map[string]string{"reason": "hangup"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end returned %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeLatest(t, f.do(t, http.MethodGet, "/v1/live/latest?interactionId=call-1", nil, nil))
	if !resp.Ended {
		t.Error("expected call reported as ended")
	}

	rec = f.do(t, http.MethodGet, "/api/calls/call-1", nil, nil)
	var call store.Call
	_ = json.Unmarshal(rec.Body.Bytes(), &call)
	if rec.Code != http.StatusOK || call.EndReason != "hangup" {
		t.Errorf("expected stored end reason, got %d %+v", rec.Code, call)
	}

	// No body is fine.
	if rec := f.do(t, http.MethodPost, "/api/calls/call-2/end", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 without body, got %d", rec.Code)
	}
}

func TestBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"invalid json", http.MethodPost, "/api/calls/ingest-transcript", "{", http.StatusBadRequest},
		{"invalid type", http.MethodPost, "/api/calls/ingest-transcript", wire(1, "bogus", "x"), http.StatusBadRequest},
		{"missing tenant", http.MethodPost, "/api/calls/ingest-transcript", wire(1, models.TranscriptFinal, "x"), http.StatusBadRequest},
		{"latest without id", http.MethodGet, "/v1/live/latest", nil, http.StatusBadRequest},
		{"latest bad afterSeq", http.MethodGet, "/v1/live/latest?interactionId=a&afterSeq=x", nil, http.StatusBadRequest},
		{"unknown call", http.MethodGet, "/api/calls/nope", nil, http.StatusNotFound},
		{"role not mounted", http.MethodGet, "/v1/asr/stats", nil, http.StatusNotFound},
	}

	f := newFixture()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

// TestDispatcherForwardsToSinkEndpoint runs the dispatcher against the sink
// endpoint served by the same router.
func TestDispatcherForwardsToSinkEndpoint(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := memory.New(memory.Config{}, m)
	defer b.Close()

	hub := fanout.NewHub(fanout.Config{}, m)
	svc := calls.New(store.NewMemory(0), hub, nil, nil)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	s := sink.NewHTTP(sink.Config{URL: srv.URL + "/api/calls/ingest-transcript", InitialDelay: 10 * time.Millisecond}, m)
	d := dispatcher.New(dispatcher.DefaultConfig(), b, s, dispatcher.NewRegistry(), m)
	defer d.Stop()
	svc.SetUnsubscriber(d)

	handler = NewRouter(Deps{Calls: svc, Hub: hub, Dispatcher: d, Metrics: m})
	f := &fixture{handler: handler, hub: hub, svc: svc, metrics: m}

	if rec := f.do(t, http.MethodPost, "/v1/dispatcher/subscriptions/call-1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("subscribe returned %d: %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/v1/dispatcher/status", nil, nil)
	var status dispatcher.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if len(status.ActiveInteractionIDs) != 1 || status.ActiveInteractionIDs[0] != "call-1" {
		t.Fatalf("expected call-1 active, got %+v", status)
	}

	pub := events.New(b, events.Config{}, m)
	tr := models.Transcript{
		Meta: models.Meta{TenantID: "acme", InteractionID: "call-1", Seq: 1, TimestampMs: models.NowMs()},
		Type: models.TranscriptFinal,
		Text: "forwarded text",
	}
	if _, err := pub.PublishTranscript(context.Background(), tr); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp := decodeLatest(t, f.do(t, http.MethodGet, "/v1/live/latest?interactionId=call-1", nil, nil))
		if len(resp.Transcripts) == 1 {
			if resp.Transcripts[0].Text != "forwarded text" || resp.Transcripts[0].TenantID != "acme" {
				t.Errorf("unexpected forwarded transcript %+v", resp.Transcripts[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transcript never reached the sink endpoint")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if rec := f.do(t, http.MethodPost, "/api/calls/call-1/end", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("end returned %d", rec.Code)
	}
	if n := len(d.Status().ActiveInteractionIDs); n != 0 {
		t.Errorf("expected end call to unsubscribe the dispatcher, %d active", n)
	}
}
