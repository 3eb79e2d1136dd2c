// Package viewer is the client side of live fan-out: it follows one
// interaction over the SSE stream and falls back to polling the latest
// transcripts endpoint when the stream cannot be opened.
package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/fanout"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
)

// State is the connection state shown to the user.
type State string

const (
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StatePolling      State = "polling"
	StateDisconnected State = "disconnected"
)

// ErrCallEnded is returned by Run when the call_end event arrives.
var ErrCallEnded = errors.New("call ended")

// Config holds viewer settings.
type Config struct {
	BaseURL       string
	InteractionID string
	// ConnectTimeout bounds opening the live stream before polling starts.
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	// LiveRetry is how often polling mode retries the live stream.
	LiveRetry  time.Duration
	PollLimit  int
	MaxHistory int
	HTTPClient *http.Client
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		ConnectTimeout: 5 * time.Second,
		PollInterval:   2 * time.Second,
		LiveRetry:      10 * time.Second,
		PollLimit:      100,
		MaxHistory:     200,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LiveRetry <= 0 {
		c.LiveRetry = def.LiveRetry
	}
	if c.PollLimit <= 0 {
		c.PollLimit = def.PollLimit
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = def.MaxHistory
	}
	if c.HTTPClient == nil {
		// No overall timeout; the live stream is long-lived.
		c.HTTPClient = &http.Client{}
	}
}

// Intent is the latest intent_update seen.
type Intent struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Seq        int64   `json:"seq"`
}

// Client follows one interaction.
type Client struct {
	cfg     Config
	history *History
	logger  zerolog.Logger
	updates chan struct{}

	mu     sync.Mutex
	state  State
	intent *Intent
	ended  bool
}

// New creates a viewer client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		history: NewHistory(cfg.MaxHistory),
		logger:  logging.WithInteraction("viewer", cfg.InteractionID, ""),
		updates: make(chan struct{}, 1),
		state:   StateDisconnected,
	}
}

// Updates signals after any change to state, history or intent. Signals are
// coalesced.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.logger.Info().Str("state", string(s)).Msg("Viewer state changed")
		c.notify()
	}
}

// History returns the retained transcript lines.
func (c *Client) History() []Line {
	return c.history.Lines()
}

// Intent returns the latest intent, if any.
func (c *Client) Intent() *Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intent == nil {
		return nil
	}
	i := *c.intent
	return &i
}

// Ended reports whether call_end was received.
func (c *Client) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Run follows the interaction until ctx is done or the call ends.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	for {
		c.setState(StateConnecting)
		body, err := c.connect(ctx)
		if err == nil {
			c.setState(StateLive)
			err = c.readStream(ctx, body)
			body.Close()
			if errors.Is(err, ErrCallEnded) || ctx.Err() != nil {
				return err
			}
			c.logger.Warn().Err(err).Msg("Live stream lost")
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			c.logger.Warn().Err(err).Msg("Live stream unavailable, polling")
		}

		if err := c.poll(ctx); err != nil {
			return err
		}
	}
}

// connect opens the SSE stream and waits for its first byte within the
// connect timeout.
func (c *Client) connect(ctx context.Context) (*streamBody, error) {
	u := c.cfg.BaseURL + "/v1/live/stream?" + url.Values{fanout.FilterParam: {c.cfg.InteractionID}}.Encode()

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	timer := time.AfterFunc(c.cfg.ConnectTimeout, cancel)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	if _, err := r.Peek(1); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if !timer.Stop() {
		resp.Body.Close()
		cancel()
		return nil, errors.New("open stream: connect timeout")
	}
	return &streamBody{r: r, closer: resp.Body, cancel: cancel}, nil
}

type streamBody struct {
	r      *bufio.Reader
	closer interface{ Close() error }
	cancel context.CancelFunc
}

func (b *streamBody) Close() {
	b.cancel()
	_ = b.closer.Close()
}

// readStream dispatches SSE events until the stream ends.
func (c *Client) readStream(ctx context.Context, body *streamBody) error {
	var event string
	var data strings.Builder
	for {
		line, err := body.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				if err := c.handleEvent(event, []byte(data.String())); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// handleEvent applies one named event. It returns ErrCallEnded on call_end.
func (c *Client) handleEvent(name string, data []byte) error {
	switch fanout.EventType(name) {
	case fanout.EventTranscriptLine, fanout.EventIntentUpdate, fanout.EventCallEnd:
	default:
		return nil
	}

	var ev fanout.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug().Err(err).Str("event", name).Msg("Skipping malformed event")
		return nil
	}
	if c.cfg.InteractionID != "" && ev.InteractionID != c.cfg.InteractionID {
		return nil
	}

	switch ev.Type {
	case fanout.EventTranscriptLine:
		var p fanout.TranscriptLine
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil
		}
		if c.history.Add(Line{Seq: ev.Seq, Type: p.Type, Text: p.Text, Confidence: p.Confidence, TimestampMs: ev.TimestampMs}) {
			c.notify()
		}
	case fanout.EventIntentUpdate:
		var p fanout.IntentUpdate
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil
		}
		c.mu.Lock()
		c.intent = &Intent{Intent: p.Intent, Confidence: p.Confidence, Seq: ev.Seq}
		c.mu.Unlock()
		c.notify()
	case fanout.EventCallEnd:
		c.markEnded()
		return ErrCallEnded
	}
	return nil
}

func (c *Client) markEnded() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	c.notify()
}

// latestResponse mirrors the polling endpoint's body.
type latestResponse struct {
	Transcripts []models.Transcript `json:"transcripts"`
	LastSeq     int64               `json:"lastSeq"`
	Ended       bool                `json:"ended"`
}

// poll fetches the latest transcripts at PollInterval until it is time to
// retry the live stream. It returns ErrCallEnded or the context error.
func (c *Client) poll(ctx context.Context) error {
	c.setState(StatePolling)

	// Poll failures back off up to the live retry interval.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInterval
	b.MaxInterval = c.cfg.LiveRetry

	retryLive := time.NewTimer(c.cfg.LiveRetry)
	defer retryLive.Stop()

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retryLive.C:
			return nil
		case <-time.After(wait):
		}

		ended, err := c.PollOnce(ctx)
		if ended {
			return ErrCallEnded
		}
		if err != nil {
			wait = b.NextBackOff()
			c.logger.Debug().Err(err).Dur("retryIn", wait).Msg("Poll failed")
			continue
		}
		b.Reset()
		wait = c.cfg.PollInterval
	}
}

// PollOnce fetches transcripts after the last seen seq. It reports whether
// the call has ended.
func (c *Client) PollOnce(ctx context.Context) (bool, error) {
	q := url.Values{
		fanout.FilterParam: {c.cfg.InteractionID},
		"afterSeq":         {strconv.FormatInt(c.history.LastSeq(), 10)},
		"limit":            {strconv.Itoa(c.cfg.PollLimit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/live/latest?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("poll: status %d", resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("poll: decode: %w", err)
	}
	changed := false
	for _, t := range body.Transcripts {
		line := Line{Seq: t.Seq, Type: t.Type, Text: t.Text, Confidence: t.Confidence, TimestampMs: t.TimestampMs}
		if c.history.Add(line) {
			changed = true
		}
	}
	if changed {
		c.notify()
	}
	if body.Ended {
		c.markEnded()
	}
	return body.Ended, nil
}
