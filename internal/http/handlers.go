package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/dispatcher"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/service/audio"
	"github.com/exkrishan/rtaafin-sub011/internal/service/calls"
	"github.com/exkrishan/rtaafin-sub011/internal/store"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

const maxBodyBytes = 1 << 20

// AudioStats is implemented by the audio runtime.
type AudioStats interface {
	Stats() audio.StatsSnapshot
	ActiveInteractions() int
}

// DispatcherControl is implemented by the transcript dispatcher.
type DispatcherControl interface {
	Subscribe(ctx context.Context, interactionId string) error
	Unsubscribe(interactionId string) error
	Status() dispatcher.Status
}

// LatestResponse is returned by the polling endpoint.
type LatestResponse struct {
	InteractionID string              `json:"interactionId"`
	Transcripts   []models.Transcript `json:"transcripts"`
	LastSeq       int64               `json:"lastSeq"`
	Ended         bool                `json:"ended"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrEncoding), errors.Is(err, topics.ErrMissingIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrBrokerUnavailable), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type callsHandler struct {
	svc          *calls.Service
	tenantHeader string
}

// ingestTranscript handles POST /api/calls/ingest-transcript.
func (h *callsHandler) ingestTranscript(w http.ResponseWriter, r *http.Request) {
	var t models.Transcript
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if t.TenantID == "" {
		t.TenantID = r.Header.Get(h.tenantHeader)
	}
	if t.TimestampMs == 0 {
		t.TimestampMs = models.NowMs()
	}

	res, err := h.svc.IngestTranscript(r.Context(), t)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

// endCall handles POST /api/calls/{interactionId}/end.
func (h *callsHandler) endCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "interactionId")
	var req endCallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	if err := h.svc.EndCall(r.Context(), id, req.Reason); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"interactionId": id, "status": "ended"})
}

// latest handles GET /v1/live/latest?interactionId=&afterSeq=&limit=.
func (h *callsHandler) latest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("interactionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "interactionId is required")
		return
	}
	afterSeq, err := queryInt(q.Get("afterSeq"))
	if err != nil || afterSeq < 0 {
		writeError(w, http.StatusBadRequest, "invalid afterSeq")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rows, err := h.svc.Latest(r.Context(), id, afterSeq, int(limit))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := LatestResponse{InteractionID: id, Transcripts: rows, LastSeq: afterSeq}
	for _, t := range rows {
		if t.Seq > resp.LastSeq {
			resp.LastSeq = t.Seq
		}
	}
	if call, err := h.svc.Call(r.Context(), id); err == nil {
		resp.Ended = call.EndedAt != nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// call handles GET /api/calls/{interactionId}.
func (h *callsHandler) call(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Call(r.Context(), chi.URLParam(r, "interactionId"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

type asrStatsResponse struct {
	audio.StatsSnapshot
	ActiveInteractions int `json:"activeInteractions"`
}

func asrStats(src AudioStats) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, asrStatsResponse{
			StatsSnapshot:      src.Stats(),
			ActiveInteractions: src.ActiveInteractions(),
		})
	}
}

type dispatcherHandler struct {
	d DispatcherControl
}

func (h *dispatcherHandler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Status())
}

func (h *dispatcherHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "interactionId")
	if err := h.d.Subscribe(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactionId": id, "subscribed": true})
}

func (h *dispatcherHandler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "interactionId")
	if err := h.d.Unsubscribe(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactionId": id, "subscribed": false})
}
