package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// Default returns the worker-wide retry defaults.
func Default() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
	}
}

// CalculateDelay calculates exponential backoff delay for a zero-based attempt.
func CalculateDelay(attempt int, cfg Config) time.Duration {
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Do executes fn with retry. classify decides whether an error is worth
// another attempt; a nil classify retries everything.
func Do(ctx context.Context, cfg Config, classify func(error) bool, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateDelay(attempt-1, cfg)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if classify != nil && !classify(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
