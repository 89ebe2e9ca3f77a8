package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for dialing a streaming peer
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of dial attempts
	Backoff     time.Duration // Wait before the second attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Second,
	}
}

// Dial calls connect until it returns a connection, backing off between
// attempts. It gives up when ctx is done or the attempts run out.
func Dial[T any](ctx context.Context, logger zerolog.Logger, config *ReconnectConfig, connect func(ctx context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var zero T
	var lastErr error
	backoff := config.Backoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		conn, err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Connected after retry")
			}
			return conn, nil
		}
		lastErr = err

		if attempt == config.MaxAttempts || !IsRetryableNetworkError(err) {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return zero, fmt.Errorf("failed to connect after %d attempts: %w", config.MaxAttempts, lastErr)
}
