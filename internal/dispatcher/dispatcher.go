// Package dispatcher keeps one subscription per live interaction's transcript
// channel and forwards every delivered transcript to the downstream sink.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/schema"
	"github.com/exkrishan/rtaafin-sub011/internal/sink"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

// Forward outcomes, used as metric labels.
const (
	outcomeForwarded = "forwarded"
	outcomeDuplicate = "duplicate"
	outcomeDropped   = "dropped"
	outcomeInvalid   = "invalid"
)

// Config tunes discovery and retirement.
type Config struct {
	AutoDiscover     bool
	DiscoverInterval time.Duration
	// IdleTimeout retires a subscription with no deliveries. Zero disables it.
	IdleTimeout time.Duration
	// RetireTTL keeps discovery from resubscribing an idle-retired
	// interaction. Ended interactions stay retired.
	RetireTTL time.Duration
	// MaxEnded bounds how many ended interactions are remembered; the oldest
	// are forgotten first.
	MaxEnded int
	Group    string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoDiscover:     true,
		DiscoverInterval: 5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		RetireTTL:        time.Hour,
		MaxEnded:         100000,
		Group:            "transcript-dispatcher",
	}
}

// Status is the dispatcher's externally visible state.
type Status struct {
	Running              bool     `json:"running"`
	ActiveInteractionIDs []string `json:"activeInteractionIds"`
	Retired              int      `json:"retired"`
}

// Dispatcher subscribes to transcript channels and forwards to a sink.
type Dispatcher struct {
	cfg       Config
	broker    broker.Broker
	sink      sink.Sink
	registry  *Registry
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	sf        singleflight.Group

	mu      sync.Mutex
	retired map[string]retirement
	ended   int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a dispatcher over an explicit registry.
func New(cfg Config, b broker.Broker, s sink.Sink, registry *Registry, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = def.DiscoverInterval
	}
	if cfg.RetireTTL <= 0 {
		cfg.RetireTTL = def.RetireTTL
	}
	if cfg.MaxEnded <= 0 {
		cfg.MaxEnded = def.MaxEnded
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Dispatcher{
		cfg:       cfg,
		broker:    b,
		sink:      s,
		registry:  registry,
		validator: schema.New(),
		metrics:   m,
		logger:    logging.WithComponent("dispatcher"),
		retired:   make(map[string]retirement),
	}
}

// retirement remembers why an interaction lost its subscription and how far
// forwarding got, so a later subscription does not forward the same seqs.
type retirement struct {
	at        time.Time
	ended     bool
	lastSeq   int64
	lastFinal bool
}

// Subscribe opens the transcript subscription for interactionId at the head of
// the channel. It is a no-op when one is already active, and clears any
// retirement.
func (d *Dispatcher) Subscribe(ctx context.Context, interactionId string) error {
	d.mu.Lock()
	rec, ok := d.retired[interactionId]
	d.dropRetiredLocked(interactionId)
	d.mu.Unlock()

	var seed *retirement
	if ok {
		seed = &rec
	}
	return d.subscribe(ctx, interactionId, false, seed)
}

// Follow subscribes to interactionId from the oldest retained transcript. It
// is used when an interaction is known to be live, ahead of discovery. Ended
// interactions are left alone.
func (d *Dispatcher) Follow(ctx context.Context, interactionId string) error {
	seed, blocked := d.checkRetired(interactionId, time.Now(), true)
	if blocked {
		return nil
	}
	return d.subscribe(ctx, interactionId, true, seed)
}

func (d *Dispatcher) subscribe(ctx context.Context, interactionId string, fromStart bool, seed *retirement) error {
	topic, err := topics.Transcript(interactionId)
	if err != nil {
		return err
	}
	if d.registry.get(interactionId) != nil {
		return nil
	}

	_, err, _ = d.sf.Do(interactionId, func() (any, error) {
		if d.registry.get(interactionId) != nil {
			return nil, nil
		}

		sub := newSubscription(interactionId)
		if seed != nil {
			sub.lastSeq, sub.lastFinal = seed.lastSeq, seed.lastFinal
		}
		var opts []broker.SubscribeOption
		if d.cfg.Group != "" {
			opts = append(opts, broker.WithGroup(d.cfg.Group))
		}
		if fromStart {
			opts = append(opts, broker.FromStart())
		}
		h, err := d.broker.Subscribe(ctx, topic, d.handler(sub), opts...)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		sub.handle = h

		if _, added := d.registry.put(sub); !added {
			sub.active.Store(false)
			_ = h.Unsubscribe()
			return nil, nil
		}
		d.metrics.SetSubscriptions(d.registry.Len())
		d.logger.Info().
			Str("interactionId", interactionId).
			Str("topic", topic).
			Bool("fromStart", fromStart).
			Msg("Subscribed to transcripts")
		return nil, nil
	})
	return err
}

// Unsubscribe closes the subscription for interactionId. After it returns no
// further forward calls are made for that interaction. Idempotent. It must not
// be called from inside a delivery.
func (d *Dispatcher) Unsubscribe(interactionId string) error {
	_, err := d.unsubscribe(interactionId)
	return err
}

func (d *Dispatcher) unsubscribe(interactionId string) (*subscription, error) {
	sub := d.registry.remove(interactionId)
	if sub == nil {
		return nil, nil
	}
	sub.active.Store(false)
	err := sub.handle.Unsubscribe()
	d.metrics.SetSubscriptions(d.registry.Len())
	d.logger.Info().Str("interactionId", interactionId).Msg("Unsubscribed from transcripts")
	return sub, err
}

// EndInteraction stops forwarding for a finished interaction and keeps it
// away from discovery and Follow. Only an explicit Subscribe brings it back.
func (d *Dispatcher) EndInteraction(interactionId string) error {
	if _, err := topics.Transcript(interactionId); err != nil {
		return err
	}
	d.retire(interactionId, "call_ended", true)
	return nil
}

// retire unsubscribes and records the retirement. Idle retirements expire
// after RetireTTL. Ended ones persist and also retire the channel on brokers
// that support it.
func (d *Dispatcher) retire(interactionId, reason string, ended bool) {
	sub, err := d.unsubscribe(interactionId)
	if err != nil {
		d.logger.Warn().Err(err).Str("interactionId", interactionId).Msg("Unsubscribe failed")
	}

	d.mu.Lock()
	rec := d.retired[interactionId]
	d.dropRetiredLocked(interactionId)
	rec.at = time.Now()
	rec.ended = rec.ended || ended
	if sub != nil {
		// The delivery goroutine has exited, so these are stable.
		rec.lastSeq, rec.lastFinal = sub.lastSeq, sub.lastFinal
	}
	d.retired[interactionId] = rec
	if rec.ended {
		d.ended++
		d.evictEndedLocked()
	}
	d.mu.Unlock()

	if ended {
		d.retireChannel(interactionId)
	}
	d.logger.Info().Str("interactionId", interactionId).Str("reason", reason).Msg("Subscription retired")
}

func (d *Dispatcher) retireChannel(interactionId string) {
	r, ok := d.broker.(broker.Retirer)
	if !ok {
		return
	}
	topic, err := topics.Transcript(interactionId)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Retire(ctx, topic); err != nil {
		d.logger.Warn().Err(err).Str("topic", topic).Msg("Channel retirement failed")
	}
}

func (d *Dispatcher) dropRetiredLocked(interactionId string) {
	if rec, ok := d.retired[interactionId]; ok {
		if rec.ended {
			d.ended--
		}
		delete(d.retired, interactionId)
	}
}

// evictEndedLocked forgets the oldest ended interactions beyond MaxEnded.
func (d *Dispatcher) evictEndedLocked() {
	for d.ended > d.cfg.MaxEnded {
		var oldestID string
		var oldest time.Time
		for id, rec := range d.retired {
			if rec.ended && (oldestID == "" || rec.at.Before(oldest)) {
				oldestID, oldest = id, rec.at
			}
		}
		if oldestID == "" {
			return
		}
		d.dropRetiredLocked(oldestID)
	}
}

// checkRetired reports whether interactionId must stay unsubscribed. Expired
// idle retirements are cleared and returned as a dedup seed; with clearIdle
// any idle retirement is.
func (d *Dispatcher) checkRetired(interactionId string, now time.Time, clearIdle bool) (*retirement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.retired[interactionId]
	if !ok {
		return nil, false
	}
	if rec.ended {
		return nil, true
	}
	if !clearIdle && now.Sub(rec.at) < d.cfg.RetireTTL {
		return nil, true
	}
	d.dropRetiredLocked(interactionId)
	return &rec, false
}

// handler decodes, deduplicates and forwards. Forward failures are dropped
// after the sink's own retries: the feed is best effort.
func (d *Dispatcher) handler(sub *subscription) broker.Handler {
	return func(ctx context.Context, del *broker.Delivery) error {
		if !sub.active.Load() {
			return nil
		}
		sub.touch()

		var t models.Transcript
		if err := del.Decode(&t); err != nil {
			d.metrics.RecordForward(outcomeInvalid)
			d.logger.Warn().Err(err).Str("topic", del.Topic).Msg("Dropping undecodable transcript")
			return nil
		}
		if err := d.validator.Transcript(t); err != nil {
			d.metrics.RecordForward(outcomeInvalid)
			d.logger.Warn().Err(err).Str("topic", del.Topic).Msg("Dropping invalid transcript")
			return nil
		}

		if sub.duplicate(t) {
			d.metrics.RecordForward(outcomeDuplicate)
		} else if err := d.sink.Forward(ctx, t); err != nil {
			d.metrics.RecordForward(outcomeDropped)
			logEvent := d.logger.Error()
			if errors.Is(err, context.Canceled) {
				logEvent = d.logger.Debug()
			}
			logEvent.Err(err).
				Str("interactionId", t.InteractionID).
				Int64("seq", t.Seq).
				Msg("Transcript dropped after forward retries")
		} else {
			d.metrics.RecordForward(outcomeForwarded)
		}

		if t.EndOfCall {
			// Unsubscribe waits for this delivery to return.
			go d.retire(sub.interactionId, "end_of_call", true)
		}
		return nil
	}
}

// DiscoverAndSubscribe lists transcript channels and subscribes, from the
// oldest retained transcript, to any not yet registered or retired. It never
// removes subscriptions and returns the number of new ones.
func (d *Dispatcher) DiscoverAndSubscribe(ctx context.Context) (int, error) {
	lister, ok := d.broker.(broker.Lister)
	if !ok {
		return 0, broker.ErrIntrospectionUnsupported
	}
	names, err := lister.ListTopics(ctx, topics.TranscriptPrefix)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	added := 0
	var errs []error
	for _, name := range names {
		ch := topics.Parse(name)
		if ch.Kind != topics.KindTranscript {
			continue
		}
		if d.registry.get(ch.InteractionID) != nil {
			continue
		}
		seed, blocked := d.checkRetired(ch.InteractionID, now, false)
		if blocked {
			continue
		}
		if err := d.subscribe(ctx, ch.InteractionID, true, seed); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	if added > 0 {
		d.logger.Info().Int("added", added).Int("active", d.registry.Len()).Msg("Discovered transcript channels")
	}
	return added, errors.Join(errs...)
}

// sweepIdle retires subscriptions without deliveries for IdleTimeout.
func (d *Dispatcher) sweepIdle(now time.Time) {
	if d.cfg.IdleTimeout <= 0 {
		return
	}
	for _, sub := range d.registry.snapshot() {
		if sub.idleFor(now) >= d.cfg.IdleTimeout {
			d.retire(sub.interactionId, "idle", false)
		}
	}
}

// Start runs the discovery and idle sweep loop until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	d.logger.Info().
		Bool("autoDiscover", d.cfg.AutoDiscover).
		Dur("interval", d.cfg.DiscoverInterval).
		Dur("idleTimeout", d.cfg.IdleTimeout).
		Msg("Transcript dispatcher started")

	go d.loop(ctx, done)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	discover := d.cfg.AutoDiscover
	tick := func() {
		if discover {
			if _, err := d.DiscoverAndSubscribe(ctx); err != nil {
				if errors.Is(err, broker.ErrIntrospectionUnsupported) {
					d.logger.Warn().Msg("Broker cannot list channels, auto-discovery disabled")
					discover = false
				} else if ctx.Err() == nil {
					d.logger.Warn().Err(err).Msg("Discovery pass failed")
				}
			}
		}
		d.sweepIdle(time.Now())
	}

	tick()
	ticker := time.NewTicker(d.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Stop ends the loop and closes every subscription.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	for _, id := range d.registry.IDs() {
		_ = d.Unsubscribe(id)
	}
	d.logger.Info().Msg("Transcript dispatcher stopped")
}

// Status reports running state and active interactions without side effects.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	running := d.running
	retired := len(d.retired)
	d.mu.Unlock()
	return Status{
		Running:              running,
		ActiveInteractionIDs: d.registry.IDs(),
		Retired:              retired,
	}
}
