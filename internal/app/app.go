package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/broker/kafka"
	"github.com/exkrishan/rtaafin-sub011/internal/broker/memory"
	"github.com/exkrishan/rtaafin-sub011/internal/broker/redisstream"
	"github.com/exkrishan/rtaafin-sub011/internal/config"
	"github.com/exkrishan/rtaafin-sub011/internal/dispatcher"
	"github.com/exkrishan/rtaafin-sub011/internal/events"
	"github.com/exkrishan/rtaafin-sub011/internal/fanout"
	apihttp "github.com/exkrishan/rtaafin-sub011/internal/http"
	"github.com/exkrishan/rtaafin-sub011/internal/ingest"
	"github.com/exkrishan/rtaafin-sub011/internal/observability"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/service/audio"
	"github.com/exkrishan/rtaafin-sub011/internal/service/calls"
	"github.com/exkrishan/rtaafin-sub011/internal/service/segment"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt/deepgram"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt/google"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt/mock"
	"github.com/exkrishan/rtaafin-sub011/internal/sink"
	"github.com/exkrishan/rtaafin-sub011/internal/store"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	metrics    *metrics.Metrics
	broker     broker.Broker
	redis      *redis.Client
	publisher  *events.Publisher
	store      store.CallStore
	hub        *fanout.Hub
	calls      *calls.Service
	runtime    *audio.Runtime
	dispatcher *dispatcher.Dispatcher
	ingest     *ingest.Handler
	speech     io.Closer

	httpServer *http.Server
	obsServer  *observability.Server

	ready    atomic.Bool
	audioMu  sync.Mutex
	audioSub map[string]bool
	stopOnce sync.Once
}

// New constructs the components selected by cfg.Service.Roles. Nothing is
// started until Run.
func New(ctx context.Context, cfg *config.Configuration) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		Service:    cfg.Service.Name,
	})

	a := &Application{
		Cfg:      cfg,
		Logger:   logging.WithComponent("application"),
		metrics:  metrics.DefaultMetrics,
		audioSub: make(map[string]bool),
	}

	appLogger := a.Logger.With().
		Str("method", "New").
		Strs("roles", cfg.Service.Roles).
		Logger()

	if err := a.setupBroker(ctx); err != nil {
		return nil, err
	}
	a.publisher = events.New(a.broker, events.Config{
		Principal:     cfg.Service.Principal,
		ShardByTenant: cfg.Broker.ShardByTenant,
	}, a.metrics)

	if cfg.Service.HasRole(config.RoleASR) {
		if err := a.setupASR(ctx); err != nil {
			a.closeResources()
			return nil, err
		}
	}
	if cfg.Service.HasRole(config.RoleFanout) {
		if err := a.setupFanout(ctx); err != nil {
			a.closeResources()
			return nil, err
		}
	}
	if cfg.Service.HasRole(config.RoleDispatcher) {
		a.setupDispatcher()
	}

	deps := apihttp.Deps{
		Metrics:      a.metrics,
		TenantHeader: cfg.Dispatcher.TenantHeader,
	}
	if a.ingest != nil {
		deps.Ingest = a.ingest
	}
	if a.runtime != nil {
		deps.Audio = a.runtime
	}
	if a.calls != nil {
		deps.Calls = a.calls
		deps.Hub = a.hub
	}
	if a.dispatcher != nil {
		deps.Dispatcher = a.dispatcher
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           apihttp.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obsServer = observability.NewServer(cfg.Service.MetricsAddr, nil, a.readiness)

	appLogger.Info().Msg("Realtime transcript service application created")
	return a, nil
}

func (a *Application) setupBroker(ctx context.Context) error {
	cfg := a.Cfg
	backoffCfg := broker.BackoffConfig{Initial: cfg.Broker.BackoffInitial, Max: cfg.Broker.BackoffMax}

	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		a.broker = memory.New(memory.Config{
			BufferSize: cfg.Broker.MemoryBufferSize,
			Retain:     cfg.Broker.MemoryRetain,
			TopicTTL:   cfg.Broker.MemoryTopicTTL,
		}, a.metrics)
	case config.BrokerRedis:
		b, err := redisstream.Dial(ctx, redisstream.Config{
			Addr:              cfg.Redis.Addr,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			KeyPrefix:         cfg.Redis.KeyPrefix,
			Group:             cfg.Broker.Group,
			Consumer:          cfg.Broker.Consumer,
			MaxLen:            cfg.Redis.MaxLen,
			ClaimMinIdle:      cfg.Redis.ClaimMinIdle,
			Partitions:        cfg.Redis.Partitions,
			PartitionPrefixes: []string{topics.SharedAudioTopic, topics.AudioPrefix},
			LeaseTTL:          cfg.Redis.LeaseTTL,
			PublishMaxElapsed: cfg.Broker.PublishMaxElapsed,
			Backoff:           backoffCfg,
		}, a.metrics)
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		a.broker = b
		a.redis = b.Client()
	case config.BrokerKafka:
		a.broker = kafka.New(kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			GroupID:           cfg.Broker.Group,
			Principal:         cfg.Kafka.Principal,
			HandlerAttempts:   cfg.Kafka.HandlerAttempts,
			PublishMaxElapsed: cfg.Broker.PublishMaxElapsed,
			Backoff:           backoffCfg,
		}, a.metrics)
	default:
		return fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}

	a.Logger.Info().Str("broker", cfg.Broker.Kind).Msg("Broker initialized")
	return nil
}

func (a *Application) setupASR(ctx context.Context) error {
	cfg := a.Cfg

	factory, err := a.sttFactory(ctx)
	if err != nil {
		return err
	}

	var sequencer segment.Sequencer = segment.NewLocalWithTTL(cfg.Buffer.SequenceTTL)
	if cfg.Buffer.Sequencer == "redis" {
		if a.redis == nil {
			return errors.New("redis sequencer requires the redis broker")
		}
		sequencer = segment.NewRedis(a.redis, cfg.Redis.KeyPrefix, cfg.Buffer.SequenceTTL)
	}

	a.runtime = audio.NewRuntime(audio.Config{
		Window:          cfg.Buffer.Window,
		MaxLatency:      cfg.Buffer.MaxLatency,
		IdleTimeout:     cfg.Buffer.IdleTimeout,
		TailChunks:      cfg.Buffer.TailChunks,
		MaxBufferBytes:  cfg.Buffer.MaxBytes,
		ProviderTimeout: cfg.STT.ProviderTimeout,
		EndedTTL:        cfg.Buffer.EndedRetention,
		Provider:        cfg.STT.Provider,
		Group:           cfg.Broker.Group,
	}, a.broker, a.publisher, factory, sequencer, a.metrics)

	a.ingest = ingest.NewHandler(ingest.Config{ReadTimeout: cfg.Ingest.ReadTimeout}, a.publisher, a.metrics)
	return nil
}

func (a *Application) sttFactory(ctx context.Context) (stt.Factory, error) {
	cfg := a.Cfg.STT
	switch cfg.Provider {
	case "mock":
		return mock.NewFactory(mock.Config{FinalAfterChunks: cfg.FinalAfterChunks}), nil
	case "google":
		client, err := google.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("google speech client: %w", err)
		}
		a.speech = client
		return google.NewFactory(client, google.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   int32(cfg.SampleRateHz),
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
			Model:          cfg.Model,
		}), nil
	case "deepgram":
		return deepgram.NewFactory(deepgram.Config{
			APIKey:           cfg.DeepgramAPIKey,
			BaseURL:          cfg.DeepgramBaseURL,
			Model:            cfg.Model,
			Language:         cfg.LanguageCode,
			Timeout:          cfg.ProviderTimeout,
			FinalAfterChunks: cfg.FinalAfterChunks,
		}), nil
	}
	return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
}

func (a *Application) setupFanout(ctx context.Context) error {
	cfg := a.Cfg

	switch cfg.Store.Kind {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
	default:
		a.store = store.NewMemory(cfg.Store.MaxPerCall)
	}

	a.hub = fanout.NewHub(fanout.Config{
		BufferSize:   cfg.Fanout.BufferSize,
		PingInterval: cfg.Fanout.PingInterval,
		WriteTimeout: cfg.Fanout.WriteTimeout,
	}, a.metrics)
	a.calls = calls.New(a.store, a.hub, nil, a.publisher)
	return nil
}

func (a *Application) setupDispatcher() {
	cfg := a.Cfg.Dispatcher

	s := sink.NewHTTP(sink.Config{
		URL:             cfg.SinkURL,
		TenantHeader:    cfg.TenantHeader,
		Timeout:         cfg.SinkTimeout,
		MaxRetries:      cfg.MaxRetries,
		InitialDelay:    cfg.InitialDelay,
		MaxDelay:        cfg.MaxDelay,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerReset:    cfg.BreakerReset,
	}, a.metrics)

	a.dispatcher = dispatcher.New(dispatcher.Config{
		AutoDiscover:     cfg.AutoDiscover,
		DiscoverInterval: cfg.DiscoverInterval,
		IdleTimeout:      cfg.IdleTimeout,
		RetireTTL:        cfg.RetireTTL,
		MaxEnded:         cfg.MaxEnded,
		Group:            cfg.Group,
	}, a.broker, s, dispatcher.NewRegistry(), a.metrics)

	if a.calls != nil {
		a.calls.SetUnsubscriber(a.dispatcher)
	}
	// In-process, forwarding starts with the first audio of a call instead of
	// waiting for the next discovery scan.
	if a.runtime != nil {
		d := a.dispatcher
		a.runtime.OnSessionStart(func(interactionId string) {
			if err := d.Follow(context.Background(), interactionId); err != nil {
				a.Logger.Warn().Err(err).Str("interactionId", interactionId).Msg("Failed to follow transcripts")
			}
		})
	}
}

// readiness fails until every role has started and again once shutdown begins.
func (a *Application) readiness(ctx context.Context) error {
	if !a.ready.Load() {
		return errors.New("not ready")
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run starts every role and blocks until ctx is done or a component fails.
// It always shuts down before returning.
func (a *Application) Run(ctx context.Context) error {
	runLogger := a.Logger.With().
		Str("method", "Run").
		Logger()

	a.StartupTime = time.Now().UTC()
	runLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("httpAddr", a.Cfg.Service.HTTPAddr).
		Msg("Realtime transcript service starting")

	a.obsServer.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.runtime != nil {
		if err := a.startASR(gctx, g); err != nil {
			a.Shutdown()
			return err
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Start(gctx); err != nil {
			a.Shutdown()
			return err
		}
	}

	g.Go(func() error {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Shutdown()
		return nil
	})

	a.ready.Store(true)
	runLogger.Info().Msg("Realtime transcript service ready")

	return g.Wait()
}

// startASR subscribes the audio runtime. With tenant sharding the per-tenant
// channels are discovered on the broker; otherwise the shared channel is used.
func (a *Application) startASR(ctx context.Context, g *errgroup.Group) error {
	if !a.Cfg.Broker.ShardByTenant {
		return a.startAudioTopic(ctx, topics.SharedAudioTopic)
	}

	lister, ok := a.broker.(broker.Lister)
	if !ok {
		return fmt.Errorf("broker %q cannot list audio channels for tenant sharding", a.Cfg.Broker.Kind)
	}
	g.Go(func() error {
		ticker := time.NewTicker(a.Cfg.Dispatcher.DiscoverInterval)
		defer ticker.Stop()
		for {
			a.discoverAudio(ctx, lister)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return nil
}

func (a *Application) discoverAudio(ctx context.Context, lister broker.Lister) {
	names, err := lister.ListTopics(ctx, topics.AudioPrefix)
	if err != nil {
		if ctx.Err() == nil {
			a.Logger.Warn().Err(err).Msg("Audio channel discovery failed")
		}
		return
	}
	for _, name := range names {
		if topics.Parse(name).Kind != topics.KindAudio {
			continue
		}
		if err := a.startAudioTopic(ctx, name); err != nil {
			a.Logger.Warn().Err(err).Str("topic", name).Msg("Failed to subscribe audio channel")
		}
	}
}

func (a *Application) startAudioTopic(ctx context.Context, topic string) error {
	a.audioMu.Lock()
	defer a.audioMu.Unlock()
	if a.audioSub[topic] {
		return nil
	}
	if err := a.runtime.Start(ctx, topic); err != nil {
		return err
	}
	a.audioSub[topic] = true
	return nil
}

// Shutdown stops accepting traffic, flushes in-flight audio and releases
// every resource. It is safe to call more than once.
func (a *Application) Shutdown() {
	a.stopOnce.Do(func() {
		shutdownLogger := a.Logger.With().
			Str("method", "Shutdown").
			Logger()
		shutdownLogger.Info().Msg("Realtime transcript service shutting down")

		a.ready.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.Service.ShutdownTimeout)
		defer cancel()

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				shutdownLogger.Warn().Err(err).Msg("HTTP server shutdown incomplete, closing")
				_ = a.httpServer.Close()
			}
		}
		if a.runtime != nil {
			a.runtime.Stop()
		}
		if a.dispatcher != nil {
			a.dispatcher.Stop()
		}
		a.closeResources()
		if a.obsServer != nil {
			if err := a.obsServer.Shutdown(ctx); err != nil {
				shutdownLogger.Warn().Err(err).Msg("Observability server shutdown incomplete")
			}
		}

		shutdownLogger.Info().Msg("Realtime transcript service stopped")
	})
}

func (a *Application) closeResources() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Broker close failed")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.speech != nil {
		_ = a.speech.Close()
	}
}
