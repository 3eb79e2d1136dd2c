// Package audio buffers inbound audio frames per interaction, drives the
// interaction's speech provider on every flush and publishes the resulting
// transcripts.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/events"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/schema"
	"github.com/exkrishan/rtaafin-sub011/internal/service/segment"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

// ErrStopped is returned by Accept after Stop.
var ErrStopped = errors.New("audio runtime stopped")

// Config defines buffering and safety limits.
type Config struct {
	// Window is the buffered audio duration that triggers a flush (200-500ms).
	Window time.Duration
	// MaxLatency flushes a partially filled buffer when frames arrive slower
	// than real time. Defaults to twice the window.
	MaxLatency time.Duration
	// IdleTimeout closes a session that has received no frames.
	IdleTimeout time.Duration
	// TailChunks frames of the previous buffer are prepended to the next one.
	TailChunks int
	// MaxBufferBytes forces an early flush before the buffer grows past it.
	MaxBufferBytes int
	InboxSize      int
	// ProviderTimeout bounds a single SendAudioChunk call.
	ProviderTimeout time.Duration
	// EndedTTL is how long frames for an ended interaction are ignored.
	EndedTTL time.Duration
	// Provider labels metrics.
	Provider string
	// Group is the consumer group used for the audio subscription.
	Group string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:          250 * time.Millisecond,
		IdleTimeout:     30 * time.Second,
		TailChunks:      2,
		MaxBufferBytes:  1024 * 1024,
		InboxSize:       256,
		ProviderTimeout: 10 * time.Second,
		EndedTTL:        10 * time.Minute,
		Provider:        "mock",
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 2 * c.Window
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.TailChunks < 0 {
		c.TailChunks = 0
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = def.MaxBufferBytes
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = def.ProviderTimeout
	}
	if c.EndedTTL <= 0 {
		c.EndedTTL = def.EndedTTL
	}
	if c.Provider == "" {
		c.Provider = def.Provider
	}
}

// Runtime owns one session per live interaction. Sessions never block each
// other: each runs on its own goroutine and is fed through a bounded inbox.
type Runtime struct {
	cfg       Config
	broker    broker.Broker
	publisher *events.Publisher
	factory   stt.Factory
	sequencer segment.Sequencer
	validator *schema.Validator
	metrics   *metrics.Metrics
	stats     *Stats
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	ended    map[string]time.Time
	lastSeen map[string]frameMark
	handles  []*broker.Handle
	onStart  func(interactionId string)
	stopped  bool
	wg       sync.WaitGroup
}

// NewRuntime creates a runtime. b may be nil when frames are fed through
// Accept only.
func NewRuntime(
	cfg Config,
	b broker.Broker,
	publisher *events.Publisher,
	factory stt.Factory,
	sequencer segment.Sequencer,
	m *metrics.Metrics,
) *Runtime {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if sequencer == nil {
		sequencer = segment.NewLocal()
	}
	return &Runtime{
		cfg:       cfg,
		broker:    b,
		publisher: publisher,
		factory:   factory,
		sequencer: sequencer,
		validator: schema.New(),
		metrics:   m,
		stats:     &Stats{},
		logger:    logging.WithComponent("asr"),
		sessions:  make(map[string]*session),
		ended:     make(map[string]time.Time),
		lastSeen:  make(map[string]frameMark),
	}
}

// frameMark is the highest frame seq a closed session consumed.
type frameMark struct {
	seq int64
	at  time.Time
}

// OnSessionStart registers fn to run, on the session goroutine, whenever an
// interaction opens a session. It must be set before Start or Accept.
func (r *Runtime) OnSessionStart(fn func(interactionId string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStart = fn
}

// Start subscribes to an audio channel. It may be called once per channel.
func (r *Runtime) Start(ctx context.Context, topic string) error {
	if r.broker == nil {
		return fmt.Errorf("audio runtime has no broker")
	}
	var opts []broker.SubscribeOption
	if r.cfg.Group != "" {
		opts = append(opts, broker.WithGroup(r.cfg.Group))
	}
	h, err := r.broker.Subscribe(ctx, topic, r.HandleDelivery, opts...)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	r.logger.Info().
		Str("topic", topic).
		Str("group", h.Group).
		Dur("window", r.cfg.Window).
		Str("provider", r.cfg.Provider).
		Msg("Audio runtime subscribed")
	return nil
}

// HandleDelivery is the broker handler for audio channels. Malformed frames
// are dropped rather than redelivered.
func (r *Runtime) HandleDelivery(ctx context.Context, d *broker.Delivery) error {
	var frame models.AudioFrame
	if err := d.Decode(&frame); err != nil {
		r.metrics.RecordFrameDropped("decode")
		r.logger.Warn().Err(err).Str("topic", d.Topic).Str("messageId", d.ID).Msg("Dropping undecodable audio frame")
		return nil
	}
	if err := r.Accept(ctx, frame); err != nil && !errors.Is(err, ErrStopped) {
		r.logger.Warn().Err(err).Str("topic", d.Topic).Str("messageId", d.ID).Msg("Audio frame rejected")
	}
	return nil
}

// Accept routes one frame to its interaction's session, creating the session
// on first use.
func (r *Runtime) Accept(_ context.Context, frame models.AudioFrame) error {
	if err := r.validator.AudioFrame(frame); err != nil {
		r.metrics.RecordFrameDropped("invalid")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if endedAt, ok := r.ended[frame.InteractionID]; ok {
		if time.Since(endedAt) < r.cfg.EndedTTL {
			r.metrics.RecordFrameDropped("ended")
			return nil
		}
		delete(r.ended, frame.InteractionID)
	}

	s, ok := r.sessions[frame.InteractionID]
	if !ok {
		s = r.newSessionLocked(frame)
	}

	select {
	case s.inbox <- frame:
		r.metrics.RecordAudioReceived(len(frame.Audio))
		return nil
	default:
		r.metrics.RecordFrameDropped("backpressure")
		return fmt.Errorf("interaction %s inbox full, frame seq %d dropped", frame.InteractionID, frame.Seq)
	}
}

func (r *Runtime) newSessionLocked(first models.AudioFrame) *session {
	s := newSession(r, first)
	// A session reopened after an idle close must not consume redelivered
	// frames the previous one already transcribed.
	if m, ok := r.lastSeen[first.InteractionID]; ok {
		delete(r.lastSeen, first.InteractionID)
		if time.Since(m.at) < r.cfg.EndedTTL {
			s.lastFrameSeq = m.seq
		}
	}
	s.onStart = r.onStart
	r.sessions[first.InteractionID] = s
	r.stats.sessions(1)
	r.metrics.RecordSessionStart()
	r.wg.Add(1)
	go s.run()
	return s
}

// release removes s from the registry. Frames that raced into its inbox after
// the session decided to exit are returned to the caller.
func (r *Runtime) release(s *session, ended bool) []models.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.interactionId] == s {
		delete(r.sessions, s.interactionId)
		r.stats.sessions(-1)
		r.metrics.RecordSessionEnd()
	}
	if ended {
		r.ended[s.interactionId] = time.Now()
		delete(r.lastSeen, s.interactionId)
	} else if s.lastFrameSeq > 0 {
		r.lastSeen[s.interactionId] = frameMark{seq: s.lastFrameSeq, at: time.Now()}
	}
	r.pruneLocked()

	var leftover []models.AudioFrame
	for {
		select {
		case f, ok := <-s.inbox:
			if !ok {
				return leftover
			}
			leftover = append(leftover, f)
		default:
			return leftover
		}
	}
}

func (r *Runtime) pruneLocked() {
	for id, at := range r.ended {
		if time.Since(at) >= r.cfg.EndedTTL {
			delete(r.ended, id)
		}
	}
	for id, m := range r.lastSeen {
		if time.Since(m.at) >= r.cfg.EndedTTL {
			delete(r.lastSeen, id)
		}
	}
}

// Stats returns a snapshot of runtime counters.
func (r *Runtime) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// ActiveInteractions returns the number of open sessions.
func (r *Runtime) ActiveInteractions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stop unsubscribes, flushes every open buffer and closes all providers.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Unsubscribe()
	}

	r.mu.Lock()
	for _, s := range r.sessions {
		close(s.inbox)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Audio runtime stopped")
}
