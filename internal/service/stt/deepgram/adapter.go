// Package deepgram provides a Deepgram pre-recorded REST provider. Each flushed
// buffer is one request; the session stitches chunk transcripts into an
// utterance and reports it final on a silent chunk, a chunk-count limit or end
// of call.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

// Name is the provider label used in metrics and logs.
const Name = "deepgram"

const defaultBaseURL = "https://api.deepgram.com"

// Config holds Deepgram configuration.
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	Language         string
	Timeout          time.Duration
	FinalAfterChunks int
	HTTPClient       *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          defaultBaseURL,
		Model:            "nova-2",
		Language:         "en-US",
		Timeout:          5 * time.Second,
		FinalAfterChunks: 30,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.FinalAfterChunks <= 0 {
		c.FinalAfterChunks = def.FinalAfterChunks
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// NewFactory returns an stt.Factory producing Deepgram sessions.
func NewFactory(cfg Config) stt.Factory {
	cfg.applyDefaults()
	return func(_ context.Context, _ string) (stt.Provider, error) {
		return &Adapter{cfg: cfg}, nil
	}
}

// Adapter implements stt.Provider.
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	words  []string
	chunks int
	conf   float64
	closed bool
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func encodingParam(enc models.Encoding) string {
	switch enc {
	case models.EncodingMulaw:
		return "mulaw"
	case models.EncodingAlaw:
		return "alaw"
	default:
		return "linear16"
	}
}

func (a *Adapter) endpoint(meta stt.ChunkMeta) string {
	rate := meta.SampleRate
	if rate <= 0 {
		rate = models.DefaultSampleRate
	}
	q := url.Values{}
	q.Set("model", a.cfg.Model)
	q.Set("language", a.cfg.Language)
	q.Set("encoding", encodingParam(meta.Encoding))
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/listen?" + q.Encode()
}

func (a *Adapter) transcribe(ctx context.Context, audio []byte, meta stt.ChunkMeta) (string, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(meta), bytes.NewReader(audio))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Token "+a.cfg.APIKey)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	for _, ch := range lr.Results.Channels {
		if len(ch.Alternatives) > 0 {
			alt := ch.Alternatives[0]
			return strings.TrimSpace(alt.Transcript), alt.Confidence, nil
		}
	}
	return "", 0, nil
}

// SendAudioChunk transcribes one buffer and returns the utterance so far.
func (a *Adapter) SendAudioChunk(ctx context.Context, audio []byte, meta stt.ChunkMeta) (stt.Result, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return stt.Result{}, stt.ErrNoResult
	}

	var text string
	var conf float64
	if len(audio) > 0 {
		var err error
		text, conf, err = a.transcribe(ctx, audio, meta)
		if err != nil {
			return stt.Result{}, stt.Wrap(Name, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if text != "" {
		a.words = append(a.words, text)
		a.conf = conf
		a.chunks++
	}
	if len(a.words) == 0 {
		return stt.Result{}, stt.ErrNoResult
	}

	utterance := strings.Join(a.words, " ")
	silent := text == ""
	if silent || meta.EndOfCall || a.chunks >= a.cfg.FinalAfterChunks {
		res := stt.Result{Type: models.TranscriptFinal, Text: utterance, Confidence: a.conf}
		a.words = nil
		a.chunks = 0
		return res, nil
	}
	return stt.Result{Type: models.TranscriptPartial, Text: utterance, Confidence: a.conf}, nil
}

// Close ends the session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
