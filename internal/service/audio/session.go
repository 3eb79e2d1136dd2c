package audio

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/service/segment"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

// Flush triggers, used as metric labels.
const (
	triggerWindow    = "window"
	triggerLatency   = "latency"
	triggerMaxBytes  = "max_bytes"
	triggerEndOfCall = "end_of_call"
	triggerIdle      = "idle"
	triggerShutdown  = "shutdown"
)

// session is the single owner of one interaction's buffer and provider. All
// fields below inbox are touched only by run.
type session struct {
	rt            *Runtime
	interactionId string
	tenantId      string
	inbox         chan models.AudioFrame
	logger        zerolog.Logger
	onStart       func(interactionId string)

	lifecycle  *segment.Lifecycle
	provider   stt.Provider
	sampleRate int
	encoding   models.Encoding

	frames   [][]byte
	bytes    int
	bufferMs int64
	tail     [][]byte

	lastFrameSeq int64
	chunkSeq     int64

	firstChunkAt time.Time
	sawFirst     bool
}

func newSession(rt *Runtime, first models.AudioFrame) *session {
	sampleRate := first.SampleRate
	if sampleRate <= 0 {
		sampleRate = models.DefaultSampleRate
	}
	encoding := first.Encoding
	if encoding == "" {
		encoding = models.EncodingPCM16
	}
	return &session{
		rt:            rt,
		interactionId: first.InteractionID,
		tenantId:      first.TenantID,
		inbox:         make(chan models.AudioFrame, rt.cfg.InboxSize),
		logger:        logging.WithInteraction("asr", first.InteractionID, first.TenantID),
		lifecycle:     segment.NewLifecycle(first.InteractionID),
		sampleRate:    sampleRate,
		encoding:      encoding,
	}
}

func (s *session) run() {
	defer s.rt.wg.Done()

	cfg := s.rt.cfg
	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	var latency *time.Timer
	var latencyC <-chan time.Time
	disarm := func() {
		if latency != nil {
			latency.Stop()
		}
		latency, latencyC = nil, nil
	}
	defer disarm()

	s.logger.Info().
		Int("sampleRate", s.sampleRate).
		Str("encoding", string(s.encoding)).
		Int64("resumeAfterSeq", s.lastFrameSeq).
		Msg("Audio session opened")
	if s.onStart != nil {
		s.onStart(s.interactionId)
	}

	for {
		select {
		case frame, ok := <-s.inbox:
			if !ok {
				s.flush(triggerShutdown, false)
				s.finish(triggerShutdown, false)
				return
			}
			idle.Reset(cfg.IdleTimeout)

			if s.append(frame) {
				disarm()
				s.flush(triggerEndOfCall, true)
				s.finish(triggerEndOfCall, true)
				return
			}
			if s.bufferMs >= cfg.Window.Milliseconds() {
				disarm()
				s.flush(triggerWindow, false)
			} else if len(s.frames) > 0 && latencyC == nil {
				latency = time.NewTimer(cfg.MaxLatency)
				latencyC = latency.C
			}

		case <-latencyC:
			latency, latencyC = nil, nil
			s.flush(triggerLatency, false)

		case <-idle.C:
			disarm()
			s.flush(triggerIdle, false)
			s.finish(triggerIdle, false)
			return
		}
	}
}

// append buffers frame and reports whether it ends the call.
func (s *session) append(frame models.AudioFrame) bool {
	if frame.Seq != models.SeqUnknown {
		if frame.Seq <= s.lastFrameSeq {
			s.rt.stats.duplicate()
			s.rt.metrics.RecordFrameDropped("duplicate")
			s.logger.Debug().Int64("seq", frame.Seq).Int64("lastSeq", s.lastFrameSeq).Msg("Duplicate audio frame ignored")
			return false
		}
		s.lastFrameSeq = frame.Seq
	}

	if len(frame.Audio) > 0 {
		if s.bytes+len(frame.Audio) > s.rt.cfg.MaxBufferBytes && len(s.frames) > 0 {
			s.flush(triggerMaxBytes, false)
		}
		if err := s.lifecycle.Append(); err != nil {
			s.logger.Warn().Err(err).Str("state", s.lifecycle.State().String()).Msg("Audio frame not buffered")
			return frame.EndOfCall
		}
		if !s.sawFirst {
			s.sawFirst = true
			s.firstChunkAt = time.Now()
		}
		s.frames = append(s.frames, frame.Audio)
		s.bytes += len(frame.Audio)
		s.bufferMs += models.AudioDurationMs(len(frame.Audio), s.sampleRate, s.encoding)
		s.rt.stats.chunk()
	}
	return frame.EndOfCall
}

// flush hands the buffer to the provider and publishes at most one transcript.
// Failures discard the buffer and are never retried.
func (s *session) flush(trigger string, endOfCall bool) {
	if len(s.frames) == 0 && !endOfCall {
		return
	}
	if err := s.lifecycle.BeginFlush(); err != nil {
		if endOfCall && errors.Is(err, segment.ErrNothingToFlush) {
			// A call that never carried audio still announces its end.
			s.publish(stt.Result{Type: models.TranscriptFinal}, true)
		}
		s.reset(false)
		return
	}

	audio := s.payload()
	s.chunkSeq++
	meta := stt.ChunkMeta{
		InteractionID: s.interactionId,
		TenantID:      s.tenantId,
		Seq:           s.chunkSeq,
		SampleRate:    s.sampleRate,
		Encoding:      s.encoding,
		EndOfCall:     endOfCall,
	}

	res, err := s.recognize(audio, meta)
	switch {
	case errors.Is(err, stt.ErrNoResult):
		s.rt.metrics.RecordFlush(trigger, nil)
		s.rt.stats.flushed(false)
		if endOfCall {
			s.publish(stt.Result{Type: models.TranscriptFinal}, true)
		}
		s.reset(true)
	case err != nil:
		s.rt.metrics.RecordFlush(trigger, err)
		s.rt.stats.flushed(false)
		s.rt.stats.failed(err)
		s.logger.Error().Err(err).Str("trigger", trigger).Int("bytes", len(audio)).Msg("Flush failed, buffer discarded")
		if endOfCall {
			s.publish(stt.Result{Type: models.TranscriptFinal}, true)
		}
		s.reset(false)
	default:
		s.rt.metrics.RecordFlush(trigger, nil)
		published := s.publish(res, endOfCall)
		s.rt.stats.flushed(published)
		s.reset(true)
	}

	if err := s.lifecycle.EndFlush(); err != nil {
		s.logger.Debug().Err(err).Msg("Flush ended on closed buffer")
	}
}

// payload concatenates the retained tail and the buffered frames.
func (s *session) payload() []byte {
	n := s.bytes
	for _, c := range s.tail {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range s.tail {
		out = append(out, c...)
	}
	for _, c := range s.frames {
		out = append(out, c...)
	}
	return out
}

func (s *session) recognize(audio []byte, meta stt.ChunkMeta) (stt.Result, error) {
	if s.provider == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.rt.cfg.ProviderTimeout)
		p, err := s.rt.factory(ctx, s.interactionId)
		cancel()
		if err != nil {
			return stt.Result{}, stt.Wrap(s.rt.cfg.Provider, err)
		}
		s.provider = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.rt.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.provider.SendAudioChunk(ctx, audio, meta)
	if errors.Is(err, stt.ErrNoResult) {
		s.rt.metrics.RecordSTT(s.rt.cfg.Provider, nil, time.Since(start).Seconds())
		return res, err
	}
	err = stt.Wrap(s.rt.cfg.Provider, err)
	s.rt.metrics.RecordSTT(s.rt.cfg.Provider, err, time.Since(start).Seconds())
	return res, err
}

// publish assigns the next transcript seq and publishes res. A sequencer
// failure publishes with SeqUnknown.
func (s *session) publish(res stt.Result, endOfCall bool) bool {
	if s.rt.publisher == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.rt.cfg.ProviderTimeout)
	defer cancel()

	seq, err := s.rt.sequencer.Next(ctx, s.interactionId)
	if err != nil {
		seq = models.SeqUnknown
		s.rt.metrics.RecordSequenceFallback()
		s.logger.Warn().Err(err).Msg("Sequence allocation failed, publishing with unknown seq")
	}

	t := models.Transcript{
		Meta: models.Meta{
			TenantID:      s.tenantId,
			InteractionID: s.interactionId,
			Seq:           seq,
			TimestampMs:   models.NowMs(),
		},
		Type:       res.Type,
		Text:       res.Text,
		Confidence: res.Confidence,
		EndOfCall:  endOfCall,
	}
	if !t.Type.Valid() {
		t.Type = models.TranscriptPartial
	}

	if _, err := s.rt.publisher.PublishTranscript(ctx, t); err != nil {
		s.rt.stats.failed(err)
		s.logger.Error().Err(err).Int64("seq", seq).Msg("Failed to publish transcript")
		return false
	}

	if s.sawFirst && !s.firstChunkAt.IsZero() && t.Text != "" {
		latency := time.Since(s.firstChunkAt)
		s.rt.stats.firstTranscript(latency)
		s.rt.metrics.RecordFirstTranscript(latency.Seconds())
		s.firstChunkAt = time.Time{}
	}

	s.logger.Debug().
		Int64("seq", seq).
		Str("type", string(t.Type)).
		Bool("endOfCall", endOfCall).
		Int("textLen", len(t.Text)).
		Msg("Transcript published")
	return true
}

// reset empties the buffer. keepTail retains the last TailChunks frames for
// the next flush.
func (s *session) reset(keepTail bool) {
	s.tail = nil
	if keepTail && s.rt.cfg.TailChunks > 0 && len(s.frames) > 0 {
		from := len(s.frames) - s.rt.cfg.TailChunks
		if from < 0 {
			from = 0
		}
		s.tail = append([][]byte(nil), s.frames[from:]...)
	}
	s.frames = nil
	s.bytes = 0
	s.bufferMs = 0
}

// finish closes the buffer and provider and leaves the registry. Frames that
// raced in after an idle exit are routed to a fresh session.
func (s *session) finish(reason string, ended bool) {
	s.lifecycle.Close()
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Provider close failed")
		}
	}
	if ended {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.rt.sequencer.Forget(ctx, s.interactionId)
		cancel()
	}

	leftover := s.rt.release(s, ended)
	s.logger.Info().
		Str("reason", reason).
		Int64("flushes", s.lifecycle.Flushes()).
		Int("leftover", len(leftover)).
		Msg("Audio session closed")

	if ended {
		return
	}
	for _, f := range leftover {
		if err := s.rt.Accept(context.Background(), f); err != nil {
			return
		}
	}
}
