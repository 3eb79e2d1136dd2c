package fanout

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

func newTestHub(bufferSize int) *Hub {
	return NewHub(Config{BufferSize: bufferSize, PingInterval: time.Hour}, metrics.NewMetrics(prometheus.NewRegistry()))
}

func line(id string, seq int64) Event {
	return TranscriptEvent(models.Transcript{
		Meta: models.Meta{TenantID: "t1", InteractionID: id, Seq: seq},
		Type: models.TranscriptPartial,
		Text: "hello",
	})
}

func TestBroadcast_Filter(t *testing.T) {
	h := newTestHub(8)
	all := h.Register("")
	one := h.Register("call-1")
	other := h.Register("call-2")

	if n := h.Broadcast(line("call-1", 1)); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if len(all.ch) != 1 || len(one.ch) != 1 || len(other.ch) != 0 {
		t.Errorf("unexpected queue lengths all=%d one=%d other=%d", len(all.ch), len(one.ch), len(other.ch))
	}
}

func TestBroadcast_StalledConnectionDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(1)
	stalled := h.Register("")
	healthy := h.Register("")

	received := make(chan Event, 10)
	go func() {
		for ev := range healthy.Events() {
			received <- ev
		}
	}()

	for seq := int64(1); seq <= 3; seq++ {
		h.Broadcast(line("call-1", seq))
		select {
		case ev := <-received:
			if ev.Seq != seq {
				t.Errorf("expected seq %d, got %d", seq, ev.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("healthy connection missed seq %d", seq)
		}
	}

	if n := h.Clients(); n != 1 {
		t.Errorf("expected stalled client dropped, %d remain", n)
	}
	// The stalled queue still holds its first event, then closes.
	if ev, ok := <-stalled.Events(); !ok || ev.Seq != 1 {
		t.Errorf("expected buffered seq 1, got %+v ok=%v", ev, ok)
	}
	if _, ok := <-stalled.Events(); ok {
		t.Error("expected stalled channel closed")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	h := newTestHub(1)
	c := h.Register("")
	h.Unregister(c)
	h.Unregister(c)
	if h.Clients() != 0 {
		t.Errorf("expected no clients, got %d", h.Clients())
	}
	if n := h.Broadcast(line("x", 1)); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestEventConstructors(t *testing.T) {
	ev := IntentEvent(models.Intent{Meta: models.Meta{InteractionID: "call-1", Seq: 4}, Intent: "credit_card_block", Confidence: 0.8})
	if ev.Type != EventIntentUpdate || ev.Seq != 4 {
		t.Errorf("unexpected intent event %+v", ev)
	}
	var p IntentUpdate
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Intent != "credit_card_block" {
		t.Errorf("unexpected payload %s (%v)", ev.Payload, err)
	}

	end := CallEndEvent("call-1", "hangup")
	if end.Type != EventCallEnd || end.InteractionID != "call-1" {
		t.Errorf("unexpected call_end event %+v", end)
	}

	sum := CallSummaryEvent("call-1", map[string]string{"issue": "card blocked"})
	if sum.Type != EventCallSummary || sum.InteractionID != "call-1" || len(sum.Payload) == 0 {
		t.Errorf("unexpected call_summary event %+v", sum)
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() != n {
		t.Fatalf("expected %d clients, got %d", n, h.Clients())
	}
}

func TestServeSSE(t *testing.T) {
	h := newTestHub(8)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?interactionId=call-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("unexpected content type %s", ct)
	}

	waitClients(t, h, 1)
	h.Broadcast(line("call-2", 1))
	h.Broadcast(line("call-1", 2))

	sc := bufio.NewScanner(resp.Body)
	var events []string
	var data []string
	for sc.Scan() && len(events) < 2 {
		text := sc.Text()
		if name, ok := strings.CutPrefix(text, "event: "); ok {
			events = append(events, name)
		}
		if d, ok := strings.CutPrefix(text, "data: "); ok {
			data = append(data, d)
		}
	}

	if len(events) != 2 || events[0] != "connected" || events[1] != string(EventTranscriptLine) {
		t.Fatalf("unexpected events %v", events)
	}
	var ev Event
	if err := json.Unmarshal([]byte(data[1]), &ev); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.InteractionID != "call-1" || ev.Seq != 2 {
		t.Errorf("expected filtered call-1 seq 2, got %+v", ev)
	}
}

func TestServeWS(t *testing.T) {
	h := newTestHub(8)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?interactionId=call-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitClients(t, h, 1)
	h.Broadcast(CallEndEvent("call-1", "hangup"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Type != EventCallEnd {
		t.Errorf("expected call_end, got %s", ev.Type)
	}

	conn.Close()
	waitClients(t, h, 0)
}
