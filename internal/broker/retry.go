package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// BackoffConfig bounds the exponential backoff used for reconnects and
// publish retries.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns the reconnect bounds used when none are configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
	}
}

// NewBackOff builds a jittered exponential backoff within cfg's bounds.
func NewBackOff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoff().Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoff().Max
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// RetryPublish retries op on ErrBrokerUnavailable until maxElapsed passes.
// Any other error is returned immediately.
func RetryPublish(ctx context.Context, logger zerolog.Logger, cfg BackoffConfig, maxElapsed time.Duration, op func() (string, error)) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		id, err := op()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrBrokerUnavailable) {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(NewBackOff(cfg)),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn().Err(err).Dur("retryIn", d).Msg("Publish failed, retrying")
		}),
	)
}

// Sleep waits for d or until ctx is done. It reports false when ctx ended.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Unavailable wraps err as a transient broker failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}

// InvokeRetry runs h on d until it succeeds, attempts calls have failed or
// ctx ends, waiting with backoff between calls. It returns the last error.
func InvokeRetry(ctx context.Context, logger zerolog.Logger, cfg BackoffConfig, attempts int, h Handler, d *Delivery) error {
	if attempts <= 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, Invoke(ctx, h, d)
	},
		backoff.WithBackOff(NewBackOff(cfg)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn().Err(err).Str("messageId", d.ID).Dur("retryIn", wait).Msg("Handler failed, retrying in place")
		}),
	)
	return err
}
