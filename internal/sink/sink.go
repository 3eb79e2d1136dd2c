// Package sink forwards transcripts to the downstream HTTP ingest endpoint.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

// ErrForward is returned when a transcript could not be delivered after all
// retries or while the circuit is open.
var ErrForward = errors.New("forward failed")

// Header names set on every forward request.
const (
	DefaultTenantHeader = "X-Tenant-ID"
	CorrelationHeader   = "X-Correlation-ID"
)

// Sink receives transcripts from the dispatcher.
type Sink interface {
	Forward(ctx context.Context, t models.Transcript) error
}

// Config holds forwarding settings.
type Config struct {
	URL          string
	TenantHeader string
	Timeout      time.Duration

	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	BreakerFailures uint32
	BreakerReset    time.Duration

	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:             "http://localhost:8080/api/calls/ingest-transcript",
		TenantHeader:    DefaultTenantHeader,
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.TenantHeader == "" {
		c.TenantHeader = def.TenantHeader
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = def.BreakerReset
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// retryable reports whether a response status is worth another attempt.
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout
}

// HTTPSink POSTs transcripts with bounded exponential retry behind a circuit
// breaker.
type HTTPSink struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHTTP creates an HTTP sink.
func NewHTTP(cfg Config, m *metrics.Metrics) *HTTPSink {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.DefaultMetrics
	}
	logger := logging.WithComponent("sink")

	s := &HTTPSink{cfg: cfg, metrics: m, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "transcript-sink",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Client errors say nothing about the endpoint's health.
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Sink circuit state changed")
		},
	})
	return s
}

// State returns the circuit breaker state.
func (s *HTTPSink) State() gobreaker.State {
	return s.breaker.State()
}

// Forward delivers t. It returns an error wrapping ErrForward once retries are
// exhausted, the circuit is open or the endpoint rejects the payload.
func (s *HTTPSink) Forward(ctx context.Context, t models.Transcript) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrForward, err)
	}
	correlationID := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.MaxInterval = s.cfg.MaxDelay
	b.Multiplier = 2

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, s.post(ctx, body, t.TenantID, correlationID, attempt > 1)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn().
				Err(err).
				Str("interactionId", t.InteractionID).
				Int64("seq", t.Seq).
				Dur("retryIn", next).
				Msg("Forward failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: interaction %s seq %d after %d attempts: %v", ErrForward, t.InteractionID, t.Seq, attempt, err)
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, body []byte, tenantID, correlationID string, retry bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.cfg.TenantHeader, tenantID)
	req.Header.Set(CorrelationHeader, correlationID)

	start := time.Now()
	resp, err := s.cfg.HTTPClient.Do(req)
	s.metrics.RecordSinkRequest(time.Since(start).Seconds(), retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	// Drain remainder for connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode, body: string(respBody)}
}
