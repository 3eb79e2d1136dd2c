// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
	Service    string
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		Service:    "rtaa",
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	InitWriter(cfg, os.Stdout)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(cfg Config, w io.Writer) {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := w
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
		}
	}

	ctx := zerolog.New(output).
		With().
		Timestamp().
		Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	log.Logger = ctx.Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithInteraction returns a logger with interaction context.
func WithInteraction(component, interactionId, tenantId string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("interactionId", interactionId).
		Str("tenantId", tenantId).
		Logger()
}

// WithTopic returns a logger with broker channel context.
func WithTopic(component, topic string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("topic", topic).
		Logger()
}

// WithProvider returns a logger with speech provider context.
func WithProvider(interactionId, provider string) zerolog.Logger {
	return log.With().
		Str("component", "stt").
		Str("interactionId", interactionId).
		Str("sttProvider", provider).
		Logger()
}
