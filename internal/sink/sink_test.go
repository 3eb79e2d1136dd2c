package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

func testSink(url string, mutate func(*Config)) *HTTPSink {
	cfg := Config{
		URL:          url,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHTTP(cfg, metrics.NewMetrics(prometheus.NewRegistry()))
}

func transcript() models.Transcript {
	return models.Transcript{
		Meta:       models.Meta{TenantID: "t1", InteractionID: "call-1", Seq: 3},
		Type:       models.TranscriptFinal,
		Text:       "block my card",
		Confidence: 0.9,
	}
}

func TestForward_Success(t *testing.T) {
	var got models.Transcript
	var tenant, correlation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get(DefaultTenantHeader)
		correlation = r.Header.Get(CorrelationHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testSink(srv.URL, nil).Forward(context.Background(), transcript()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant != "t1" {
		t.Errorf("expected tenant header t1, got %q", tenant)
	}
	if correlation == "" {
		t.Error("expected correlation id header")
	}
	if got.InteractionID != "call-1" || got.Seq != 3 || got.Text != "block my card" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestForward_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testSink(srv.URL, nil).Forward(context.Background(), transcript()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestForward_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testSink(srv.URL, func(c *Config) { c.MaxRetries = 2 }).Forward(context.Background(), transcript())
	if !errors.Is(err, ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", n)
	}
}

func TestForward_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testSink(srv.URL, nil).Forward(context.Background(), transcript())
	if !errors.Is(err, ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected a single attempt for 400, got %d", n)
	}
}

func TestForward_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testSink(srv.URL, func(c *Config) {
		c.MaxRetries = 0
		c.BreakerFailures = 2
		c.BreakerReset = time.Hour
	})

	for i := 0; i < 2; i++ {
		_ = s.Forward(context.Background(), transcript())
	}
	if s.State() != gobreaker.StateOpen {
		t.Fatalf("expected open circuit, got %s", s.State())
	}

	before := calls.Load()
	err := s.Forward(context.Background(), transcript())
	if !errors.Is(err, ErrForward) {
		t.Errorf("expected ErrForward while open, got %v", err)
	}
	if calls.Load() != before {
		t.Error("open circuit must not reach the endpoint")
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := testSink(srv.URL, nil).Forward(ctx, transcript()); !errors.Is(err, ErrForward) {
		t.Errorf("expected ErrForward, got %v", err)
	}
}
