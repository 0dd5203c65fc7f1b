package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ReconnectConfig holds configuration for reconnection attempts.
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of attempts
	Backoff     time.Duration // Initial backoff between attempts
	Multiplier  float64       // Exponential growth factor
	MaxBackoff  time.Duration // Backoff ceiling
}

// DefaultReconnectConfig returns a default reconnection configuration.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc attempts to re-establish a connection or resource.
type ReconnectFunc func() error

// Reconnect retries fn with exponential backoff until it succeeds, the
// attempt budget is spent, or ctx is cancelled. Also used for re-acquiring
// audio devices, which fail the same way flaky connections do.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	backoff := config.Backoff
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			log.Debug().Int("attempts", attempt+1).Msg("reconnection successful")
			return nil
		}

		if attempt < config.MaxAttempts-1 {
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxAttempts).
				Dur("backoff", backoff).
				Msg("reconnection attempt failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxBackoff {
					backoff = config.MaxBackoff
				}
			}
		}
	}
	return fmt.Errorf("failed to reconnect after %d attempts", config.MaxAttempts)
}
