package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
)

// RequestMetrics returns chi middleware recording request metrics and an
// access log line per request.
func RequestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			code := ww.Status()
			if code == 0 {
				// Hijacked websocket connections never write a status.
				code = http.StatusSwitchingProtocols
			}
			route := routePattern(r)
			m.RecordHTTPRequest(r.Method, route, code, duration.Seconds())

			ev := log.Debug()
			if code >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("component", "http").
				Str("method", r.Method).
				Str("route", route).
				Int("code", code).
				Str("requestId", middleware.GetReqID(r.Context())).
				Dur("duration", duration).
				Msg("HTTP request")
		})
	}
}

// routePattern keeps the metric label cardinality bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
