// Package http wires the service's HTTP surface onto a chi router.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/exkrishan/rtaafin-sub011/internal/fanout"
	"github.com/exkrishan/rtaafin-sub011/internal/observability"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/service/calls"
	"github.com/exkrishan/rtaafin-sub011/internal/sink"
)

// Deps are the components served by the router. Nil components belong to
// roles this process does not run and their routes are not mounted.
type Deps struct {
	Ingest       http.Handler
	Calls        *calls.Service
	Hub          *fanout.Hub
	Audio        AudioStats
	Dispatcher   DispatcherControl
	Metrics      *metrics.Metrics
	TenantHeader string
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Deps) http.Handler {
	if deps.TenantHeader == "" {
		deps.TenantHeader = sink.DefaultTenantHeader
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestMetrics(deps.Metrics))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if deps.Ingest != nil {
		r.Get("/v1/ingest", deps.Ingest.ServeHTTP)
	}

	if deps.Calls != nil {
		h := &callsHandler{svc: deps.Calls, tenantHeader: deps.TenantHeader}
		r.Route("/api/calls", func(r chi.Router) {
			r.Post("/ingest-transcript", h.ingestTranscript)
			r.Get("/{interactionId}", h.call)
			r.Post("/{interactionId}/end", h.endCall)
		})
		r.Get("/v1/live/latest", h.latest)
	}

	if deps.Hub != nil {
		r.Get("/v1/live/stream", deps.Hub.ServeSSE)
		r.Get("/v1/live/ws", deps.Hub.ServeWS)
	}

	if deps.Audio != nil {
		r.Get("/v1/asr/stats", asrStats(deps.Audio))
	}

	if deps.Dispatcher != nil {
		h := &dispatcherHandler{d: deps.Dispatcher}
		r.Route("/v1/dispatcher", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Post("/subscriptions/{interactionId}", h.subscribe)
			r.Delete("/subscriptions/{interactionId}", h.unsubscribe)
		})
	}

	return r
}
