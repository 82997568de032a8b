package signalling

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Consecutive failed attempts before giving up (0: never give up)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// sessionFunc runs one connection to completion. established reports
// whether the connection got as far as the server's welcome.
type sessionFunc func(ctx context.Context) (established bool, err error)

// runWithReconnect keeps running sessionFn with exponential backoff between
// attempts until ctx is cancelled or the retry budget is spent.
//
// Backoff schedule with the defaults: 1s, 2s, 4s, 8s, 16s, 30s, 30s...
// A session that was established resets the schedule.
func runWithReconnect(
	ctx context.Context,
	sessionFn sessionFunc,
	cfg ReconnectConfig,
	onRetry func(),
	logger *slog.Logger,
) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("signalling: context cancelled, stopping reconnection")
			return ctx.Err()
		default:
		}

		established, err := sessionFn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			retries = 0
		}

		logger.Warn("signalling: connection ended", "error", err, "established", established)

		retries++
		if onRetry != nil {
			onRetry()
		}
		if cfg.MaxRetries > 0 && retries > cfg.MaxRetries {
			return fmt.Errorf("signalling: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(retries, cfg)
		logger.Warn("signalling: retrying connection",
			"attempt", retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			logger.Info("signalling: context cancelled during backoff")
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
