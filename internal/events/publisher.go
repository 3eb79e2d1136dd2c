// Package events publishes domain messages to their broker channels.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/metrics"
	"github.com/exkrishan/rtaafin-sub011/internal/schema"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

// Publisher resolves channel names, validates envelopes and hands them to the
// broker. Without a broker it runs in log-only mode.
type Publisher struct {
	broker    broker.Broker
	namer     topics.Namer
	principal string
	validator *schema.Validator
	enabled   bool
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Config holds publisher configuration.
type Config struct {
	Principal     string
	ShardByTenant bool
}

// New creates a publisher. A nil broker selects log-only mode.
func New(b broker.Broker, cfg Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	logger := logging.WithComponent("publisher")

	if b == nil {
		logger.Info().Msg("Broker disabled, using log-only mode")
	} else {
		logger.Info().
			Str("principal", cfg.Principal).
			Bool("shardByTenant", cfg.ShardByTenant).
			Msg("Event publisher initialized")
	}

	return &Publisher{
		broker:    b,
		namer:     topics.Namer{ShardByTenant: cfg.ShardByTenant},
		principal: cfg.Principal,
		validator: schema.New(),
		enabled:   b != nil,
		metrics:   m,
		logger:    logger,
	}
}

// PublishTranscript publishes t on transcript.{interactionId}.
func (p *Publisher) PublishTranscript(ctx context.Context, t models.Transcript) (string, error) {
	if err := p.validator.Transcript(t); err != nil {
		return "", err
	}
	topic, err := topics.Transcript(t.InteractionID)
	if err != nil {
		return "", err
	}
	id, err := p.publish(ctx, topic, t)
	if err != nil {
		return "", err
	}
	if t.IsFinal() {
		p.metrics.RecordFinalTranscript()
	} else {
		p.metrics.RecordPartialTranscript()
	}
	return id, nil
}

// PublishIntent publishes i on intent.{interactionId}.
func (p *Publisher) PublishIntent(ctx context.Context, i models.Intent) (string, error) {
	if err := p.validator.Intent(i); err != nil {
		return "", err
	}
	topic, err := topics.Intent(i.InteractionID)
	if err != nil {
		return "", err
	}
	return p.publish(ctx, topic, i)
}

// PublishAudio publishes f on the tenant's audio channel.
func (p *Publisher) PublishAudio(ctx context.Context, f models.AudioFrame) (string, error) {
	if err := p.validator.AudioFrame(f); err != nil {
		return "", err
	}
	topic, err := p.namer.Audio(f.TenantID)
	if err != nil {
		return "", err
	}
	return p.publish(ctx, topic, f)
}

// AudioTopic returns the audio channel this publisher writes for tenantID.
func (p *Publisher) AudioTopic(tenantID string) (string, error) {
	return p.namer.Audio(tenantID)
}

func (p *Publisher) publish(ctx context.Context, topic string, msg models.Envelope) (string, error) {
	start := time.Now()
	meta := msg.EnvelopeMeta()

	if !p.enabled {
		payload, err := broker.Encode(msg)
		if err != nil {
			return "", err
		}
		// Audio payloads are too large to log.
		ev := p.logger.Debug().
			Str("principal", p.principal).
			Str("topic", topic).
			Str("interactionId", meta.InteractionID).
			Int64("seq", meta.Seq)
		if _, ok := msg.(models.AudioFrame); !ok && json.Valid(payload) {
			ev = ev.RawJSON("payload", payload)
		}
		ev.Msg("Publishing event")
		p.metrics.RecordBrokerPublish("log", topic, nil, time.Since(start).Seconds())
		return broker.NewMessageID(), nil
	}

	id, err := p.broker.Publish(ctx, topic, msg)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("interactionId", meta.InteractionID).
			Int64("seq", meta.Seq).
			Msg("Failed to publish event")
		return "", err
	}
	return id, nil
}
