package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FilterParam is the query parameter selecting one interaction.
const FilterParam = "interactionId"

// sseWriter writes named server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	timeout time.Duration
	mu      sync.Mutex
}

func newSSEWriter(w http.ResponseWriter, timeout time.Duration) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseWriter{w: w, rc: http.NewResponseController(w), flusher: f, timeout: timeout}, nil
}

func (sw *sseWriter) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	// Not every writer supports deadlines; a stalled peer is then caught by
	// the hub dropping the connection.
	_ = sw.rc.SetWriteDeadline(time.Now().Add(sw.timeout))
	if _, err := fmt.Fprintf(sw.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", string(b)); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// ServeSSE streams events as server-sent events until the client goes away
// or is dropped as stalled.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sw, err := newSSEWriter(w, h.cfg.WriteTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	c := h.Register(r.URL.Query().Get(FilterParam))
	defer h.Unregister(c)

	if err := sw.Send("connected", map[string]string{"clientId": c.ID, "interactionId": c.Filter}); err != nil {
		return
	}

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := sw.Send("ping", map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				return
			}
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if err := sw.Send(string(ev.Type), ev); err != nil {
				h.logger.Debug().Err(err).Str("clientId", c.ID).Msg("SSE write failed")
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS streams events as websocket JSON text frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := h.Register(r.URL.Query().Get(FilterParam))
	defer h.Unregister(c)

	// Reader detects the peer closing; viewers send nothing else.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case ev, ok := <-c.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stalled"),
					time.Now().Add(h.cfg.WriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
