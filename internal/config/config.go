package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Service roles run by one binary.
const (
	RoleASR        = "asr"
	RoleDispatcher = "dispatcher"
	RoleFanout     = "fanout"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
)

// Window bounds for the audio buffer.
const (
	MinWindow = 200 * time.Millisecond
	MaxWindow = 500 * time.Millisecond
)

// Configuration is the full process configuration.
type Configuration struct {
	Service       ServiceConfig
	Broker        BrokerConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	STT           STTConfig
	Buffer        BufferConfig
	Dispatcher    DispatcherConfig
	Fanout        FanoutConfig
	Ingest        IngestConfig
	Store         StoreConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name        string
	Principal   string
	HTTPAddr    string
	MetricsAddr string
	// Roles selects which components this process runs.
	Roles           []string
	ShutdownTimeout time.Duration
}

// HasRole reports whether role is enabled.
func (s ServiceConfig) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type BrokerConfig struct {
	Kind          string
	Group         string
	Consumer      string
	ShardByTenant bool
	// PublishMaxElapsed bounds publish retries on a down backend.
	PublishMaxElapsed time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	// MemoryBufferSize is the per-subscriber queue of the memory backend.
	MemoryBufferSize int
	// MemoryRetain is how many recent messages a memory topic replays to a
	// subscriber that starts from the beginning.
	MemoryRetain   int
	MemoryTopicTTL time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	MaxLen    int64
	// ClaimMinIdle is how long a pending entry waits before another
	// consumer may claim it.
	ClaimMinIdle time.Duration
	// Partitions is the number of sub-streams audio channels are split into
	// so each interaction is read by one worker of a group.
	Partitions int
	LeaseTTL   time.Duration
}

type KafkaConfig struct {
	Brokers   []string
	Principal string

	// HandlerAttempts bounds in-place retries before a message is skipped.
	HandlerAttempts int
}

type STTConfig struct {
	Provider       string
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
	// FinalAfterChunks is the mock and deepgram end-of-utterance threshold.
	FinalAfterChunks int
	DeepgramAPIKey   string
	DeepgramBaseURL  string
	ProviderTimeout  time.Duration
}

type BufferConfig struct {
	Window         time.Duration
	MaxLatency     time.Duration
	IdleTimeout    time.Duration
	TailChunks     int
	MaxBytes       int
	Sequencer      string
	SequenceTTL    time.Duration
	EndedRetention time.Duration
}

type DispatcherConfig struct {
	AutoDiscover     bool
	DiscoverInterval time.Duration
	IdleTimeout      time.Duration
	RetireTTL        time.Duration
	// MaxEnded bounds how many ended interactions are remembered.
	MaxEnded int
	Group    string

	SinkURL         string
	TenantHeader    string
	SinkTimeout     time.Duration
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

type FanoutConfig struct {
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type IngestConfig struct {
	ReadTimeout time.Duration
}

type StoreConfig struct {
	Kind        string
	PostgresDSN string
	MaxPerCall  int
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, after loading a .env file
// when one is present. Unparseable values fall back to their defaults.
func Load() *Configuration {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-rtaa")
	brokerKind := strings.ToLower(envOrDefault("BROKER_KIND", BrokerMemory))
	// Workers sharing a redis group must share one transcript sequence.
	sequencer := "local"
	if brokerKind == BrokerRedis {
		sequencer = "redis"
	}

	return &Configuration{
		Service: ServiceConfig{
			Name:            envOrDefault("SERVICE_NAME", "rtaa"),
			Principal:       principal,
			HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
			MetricsAddr:     envOrDefault("METRICS_ADDR", ":9090"),
			Roles:           envOrDefaultList("SERVICE_ROLES", []string{RoleASR, RoleDispatcher, RoleFanout}),
			ShutdownTimeout: envOrDefaultDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Broker: BrokerConfig{
			Kind:              brokerKind,
			Group:             envOrDefault("BROKER_GROUP", "rtaa-asr"),
			Consumer:          envOrDefault("BROKER_CONSUMER", hostname()),
			ShardByTenant:     envOrDefaultBool("BROKER_SHARD_BY_TENANT", false),
			PublishMaxElapsed: envOrDefaultDuration("BROKER_PUBLISH_MAX_ELAPSED", 2*time.Second),
			BackoffInitial:    envOrDefaultDuration("BROKER_BACKOFF_INITIAL", 100*time.Millisecond),
			BackoffMax:        envOrDefaultDuration("BROKER_BACKOFF_MAX", 5*time.Second),
			MemoryBufferSize:  envOrDefaultInt("BROKER_MEMORY_BUFFER", 256),
			MemoryRetain:      envOrDefaultInt("BROKER_MEMORY_RETAIN", 128),
			MemoryTopicTTL:    envOrDefaultDuration("BROKER_MEMORY_TOPIC_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Addr:         envOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           envOrDefaultInt("REDIS_DB", 0),
			KeyPrefix:    envOrDefault("REDIS_KEY_PREFIX", ""),
			MaxLen:       int64(envOrDefaultInt("REDIS_STREAM_MAXLEN", 10000)),
			ClaimMinIdle: envOrDefaultDuration("REDIS_CLAIM_MIN_IDLE", 30*time.Second),
			Partitions:   envOrDefaultInt("REDIS_AUDIO_PARTITIONS", 8),
			LeaseTTL:     envOrDefaultDuration("REDIS_PARTITION_LEASE_TTL", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
			HandlerAttempts: envOrDefaultInt("KAFKA_HANDLER_ATTEMPTS", 5),
		},
		STT: STTConfig{
			Provider:         strings.ToLower(envOrDefault("STT_PROVIDER", "mock")),
			LanguageCode:     envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:     envOrDefaultInt("STT_SAMPLE_RATE_HZ", 8000),
			InterimResults:   envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:    envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:            envOrDefault("STT_MODEL", ""),
			FinalAfterChunks: envOrDefaultInt("STT_FINAL_AFTER_CHUNKS", 30),
			DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
			DeepgramBaseURL:  envOrDefault("DEEPGRAM_BASE_URL", ""),
			ProviderTimeout:  envOrDefaultDuration("STT_PROVIDER_TIMEOUT", 10*time.Second),
		},
		Buffer: BufferConfig{
			Window:         envOrDefaultMillis("BUFFER_WINDOW_MS", 250*time.Millisecond),
			MaxLatency:     envOrDefaultDuration("BUFFER_MAX_LATENCY", 0),
			IdleTimeout:    envOrDefaultDuration("BUFFER_IDLE_TIMEOUT", 30*time.Second),
			TailChunks:     envOrDefaultInt("BUFFER_TAIL_CHUNKS", 2),
			MaxBytes:       envOrDefaultInt("BUFFER_MAX_BYTES", 1024*1024),
			Sequencer:      strings.ToLower(envOrDefault("BUFFER_SEQUENCER", sequencer)),
			SequenceTTL:    envOrDefaultDuration("BUFFER_SEQUENCE_TTL", 24*time.Hour),
			EndedRetention: envOrDefaultDuration("BUFFER_ENDED_RETENTION", 10*time.Minute),
		},
		Dispatcher: DispatcherConfig{
			AutoDiscover:     envOrDefaultBool("DISPATCHER_AUTO_DISCOVER", true),
			DiscoverInterval: envOrDefaultDuration("DISPATCHER_DISCOVER_INTERVAL", 5*time.Second),
			IdleTimeout:      envOrDefaultDuration("DISPATCHER_IDLE_TIMEOUT", 5*time.Minute),
			RetireTTL:        envOrDefaultDuration("DISPATCHER_RETIRE_TTL", time.Hour),
			MaxEnded:         envOrDefaultInt("DISPATCHER_MAX_ENDED", 100000),
			Group:            envOrDefault("DISPATCHER_GROUP", "transcript-dispatcher"),
			SinkURL:          envOrDefault("SINK_URL", "http://localhost:8080/api/calls/ingest-transcript"),
			TenantHeader:     envOrDefault("SINK_TENANT_HEADER", "X-Tenant-ID"),
			SinkTimeout:      envOrDefaultDuration("SINK_TIMEOUT", 5*time.Second),
			MaxRetries:       envOrDefaultInt("SINK_MAX_RETRIES", 3),
			InitialDelay:     envOrDefaultDuration("SINK_INITIAL_DELAY", time.Second),
			MaxDelay:         envOrDefaultDuration("SINK_MAX_DELAY", 10*time.Second),
			BreakerFailures:  envOrDefaultInt("SINK_BREAKER_FAILURES", 5),
			BreakerReset:     envOrDefaultDuration("SINK_BREAKER_RESET", 30*time.Second),
		},
		Fanout: FanoutConfig{
			BufferSize:   envOrDefaultInt("FANOUT_BUFFER_SIZE", 64),
			PingInterval: envOrDefaultDuration("FANOUT_PING_INTERVAL", 15*time.Second),
			WriteTimeout: envOrDefaultDuration("FANOUT_WRITE_TIMEOUT", 5*time.Second),
		},
		Ingest: IngestConfig{
			ReadTimeout: envOrDefaultDuration("INGEST_READ_TIMEOUT", 60*time.Second),
		},
		Store: StoreConfig{
			Kind:        strings.ToLower(envOrDefault("STORE_KIND", "memory")),
			PostgresDSN: os.Getenv("POSTGRES_DSN"),
			MaxPerCall:  envOrDefaultInt("STORE_MAX_PER_CALL", 500),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Configuration) Validate() error {
	var errs []error

	if len(c.Service.Roles) == 0 {
		errs = append(errs, errors.New("SERVICE_ROLES must name at least one role"))
	}
	for _, r := range c.Service.Roles {
		switch r {
		case RoleASR, RoleDispatcher, RoleFanout:
		default:
			errs = append(errs, fmt.Errorf("unknown role %q", r))
		}
	}

	switch c.Broker.Kind {
	case BrokerMemory, BrokerRedis, BrokerKafka:
	default:
		errs = append(errs, fmt.Errorf("unknown broker kind %q", c.Broker.Kind))
	}
	if c.Broker.Kind == BrokerKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka broker"))
	}

	if c.Buffer.Window < MinWindow || c.Buffer.Window > MaxWindow {
		errs = append(errs, fmt.Errorf("buffer window %v outside %v-%v", c.Buffer.Window, MinWindow, MaxWindow))
	}
	switch c.Buffer.Sequencer {
	case "local":
		if c.Broker.Kind == BrokerRedis && c.Service.HasRole(RoleASR) {
			errs = append(errs, errors.New("the local sequencer cannot number transcripts across redis workers, use BUFFER_SEQUENCER=redis"))
		}
	case "redis":
		if c.Broker.Kind != BrokerRedis {
			errs = append(errs, errors.New("the redis sequencer requires BROKER_KIND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sequencer %q", c.Buffer.Sequencer))
	}

	switch c.STT.Provider {
	case "mock", "google":
	case "deepgram":
		if c.STT.DeepgramAPIKey == "" {
			errs = append(errs, errors.New("DEEPGRAM_API_KEY is required for the deepgram provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STT provider %q", c.STT.Provider))
	}

	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}

	if c.Service.HasRole(RoleDispatcher) && c.Dispatcher.SinkURL == "" {
		errs = append(errs, errors.New("SINK_URL is required for the dispatcher role"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultMillis reads a plain integer number of milliseconds.
func envOrDefaultMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// envOrDefaultList reads a comma separated list, skipping empty entries.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "rtaa"
	}
	return h
}
