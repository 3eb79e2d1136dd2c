// Package calls is the downstream side of the dispatcher: it stores forwarded
// transcripts, scores intent and pushes both to live viewers.
package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/fanout"
	"github.com/exkrishan/rtaafin-sub011/internal/intent"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/schema"
	"github.com/exkrishan/rtaafin-sub011/internal/store"
)

// IntentWindow is how many recent finals are scored together.
const IntentWindow = 5

// historyScan bounds the rows read when collecting recent finals.
const historyScan = 50

// IntentPublisher publishes scored intents on intent.{interactionId}.
type IntentPublisher interface {
	PublishIntent(ctx context.Context, i models.Intent) (string, error)
}

// Broadcaster delivers events to live viewers.
type Broadcaster interface {
	Broadcast(ev fanout.Event) int
}

// Unsubscriber stops forwarding for an interaction once it has ended.
type Unsubscriber interface {
	EndInteraction(interactionId string) error
}

// Service handles transcripts arriving from the dispatcher sink.
type Service struct {
	store      store.CallStore
	hub        Broadcaster
	scorer     intent.Scorer
	publisher  IntentPublisher
	summarizer Summarizer
	validator  *schema.Validator
	logger     zerolog.Logger

	// unsub is set only when the dispatcher runs in-process.
	unsub Unsubscriber
}

// New creates the service. publisher may be nil.
func New(s store.CallStore, hub Broadcaster, scorer intent.Scorer, publisher IntentPublisher) *Service {
	if scorer == nil {
		scorer = intent.NewKeyword()
	}
	return &Service{
		store:      s,
		hub:        hub,
		scorer:     scorer,
		publisher:  publisher,
		summarizer: NewKeywordSummarizer(scorer),
		validator:  schema.New(),
		logger:     logging.WithComponent("calls"),
	}
}

// SetUnsubscriber attaches the in-process dispatcher.
func (s *Service) SetUnsubscriber(u Unsubscriber) {
	s.unsub = u
}

// SetSummarizer replaces the end-of-call summarizer.
func (s *Service) SetSummarizer(sm Summarizer) {
	if sm != nil {
		s.summarizer = sm
	}
}

// IngestResult reports what IngestTranscript did.
type IngestResult struct {
	Delivered int            `json:"delivered"`
	Intent    *intent.Result `json:"intent,omitempty"`
}

// IngestTranscript stores t, broadcasts it and, for finals, scores intent.
func (s *Service) IngestTranscript(ctx context.Context, t models.Transcript) (IngestResult, error) {
	if err := s.validator.Transcript(t); err != nil {
		return IngestResult{}, err
	}
	logger := logging.WithInteraction("calls", t.InteractionID, t.TenantID)

	if err := s.store.InsertTranscript(ctx, t); err != nil {
		return IngestResult{}, fmt.Errorf("store transcript: %w", err)
	}

	res := IngestResult{}
	if t.Text != "" {
		res.Delivered = s.hub.Broadcast(fanout.TranscriptEvent(t))
	}

	if t.IsFinal() && t.Text != "" {
		scored, err := s.scoreIntent(ctx, t)
		if err != nil {
			logger.Warn().Err(err).Msg("Intent scoring failed")
		} else if scored.Found() {
			res.Intent = &scored
			s.emitIntent(ctx, t, scored, logger)
		}
	}

	// The dispatcher retires its own subscription on end of call.
	if t.EndOfCall {
		if err := s.endCall(ctx, t.InteractionID, "end_of_call", false); err != nil {
			logger.Warn().Err(err).Msg("Failed to end call")
		}
	}
	return res, nil
}

// scoreIntent runs the scorer over t and the finals before it.
func (s *Service) scoreIntent(ctx context.Context, t models.Transcript) (intent.Result, error) {
	rows, err := s.store.LatestTranscripts(ctx, t.InteractionID, 0, historyScan)
	if err != nil {
		return intent.Result{}, fmt.Errorf("load history: %w", err)
	}

	history := make([]string, 0, IntentWindow)
	for i := len(rows) - 1; i >= 0 && len(history) < IntentWindow-1; i-- {
		r := rows[i]
		if !r.IsFinal() || r.Text == "" || (r.Seq == t.Seq && r.Seq != models.SeqUnknown) {
			continue
		}
		history = append(history, r.Text)
	}
	// oldest first
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return s.scorer.Score(ctx, t.Text, history)
}

func (s *Service) emitIntent(ctx context.Context, t models.Transcript, r intent.Result, logger zerolog.Logger) {
	msg := models.Intent{
		Meta: models.Meta{
			TenantID:      t.TenantID,
			InteractionID: t.InteractionID,
			Seq:           t.Seq,
			TimestampMs:   models.NowMs(),
		},
		Intent:     r.Intent,
		Confidence: r.Confidence,
		Text:       t.Text,
	}
	s.hub.Broadcast(fanout.IntentEvent(msg))

	logger.Info().
		Str("intent", r.Intent).
		Float64("confidence", r.Confidence).
		Int64("seq", t.Seq).
		Msg("Intent detected")

	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.PublishIntent(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("Failed to publish intent")
	}
}

// summarize builds the wrap-up from the call's stored finals. It never fails:
// a short transcript or a summarizer error yields FallbackSummary.
func (s *Service) summarize(ctx context.Context, interactionId string) Summary {
	rows, err := s.store.LatestTranscripts(ctx, interactionId, 0, store.DefaultLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("interactionId", interactionId).Msg("Failed to load transcript for summary")
		return FallbackSummary(interactionId)
	}
	var lines []string
	for _, r := range rows {
		if r.IsFinal() && r.Text != "" {
			lines = append(lines, r.Text)
		}
	}
	if len(lines) == 0 {
		return FallbackSummary(interactionId)
	}
	sum, err := s.summarizer.Summarize(ctx, interactionId, lines)
	if err != nil {
		s.logger.Warn().Err(err).Str("interactionId", interactionId).Msg("Summary failed, using fallback")
		return FallbackSummary(interactionId)
	}
	return sum
}

// EndCall broadcasts call_summary and call_end, marks the call ended and stops forwarding.
func (s *Service) EndCall(ctx context.Context, interactionId, reason string) error {
	return s.endCall(ctx, interactionId, reason, true)
}

func (s *Service) endCall(ctx context.Context, interactionId, reason string, unsubscribe bool) error {
	if interactionId == "" {
		return errors.New("interactionId is required")
	}
	if reason == "" {
		reason = "ended"
	}
	// Viewers stop at call_end, so the summary goes first.
	sum := s.summarize(ctx, interactionId)
	s.hub.Broadcast(fanout.CallSummaryEvent(interactionId, sum))
	s.hub.Broadcast(fanout.CallEndEvent(interactionId, reason))

	var errs []error
	if err := s.store.EndCall(ctx, interactionId, reason); err != nil {
		errs = append(errs, fmt.Errorf("store end call: %w", err))
	}
	if unsubscribe && s.unsub != nil {
		if err := s.unsub.EndInteraction(interactionId); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}

	s.logger.Info().
		Str("interactionId", interactionId).
		Str("reason", reason).
		Str("disposition", sum.Disposition()).
		Bool("fallbackSummary", sum.Fallback).
		Msg("Call ended")
	return errors.Join(errs...)
}

// Latest returns transcripts after afterSeq for polling viewers.
func (s *Service) Latest(ctx context.Context, interactionId string, afterSeq int64, limit int) ([]models.Transcript, error) {
	return s.store.LatestTranscripts(ctx, interactionId, afterSeq, limit)
}

// Call returns stored call state.
func (s *Service) Call(ctx context.Context, interactionId string) (store.Call, error) {
	return s.store.GetCall(ctx, interactionId)
}
