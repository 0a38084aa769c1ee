// Package backoff retries calls to external collaborators (embedding providers,
// event sinks) with capped exponential backoff and full jitter.
package backoff

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Config controls retry behavior
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig returns 3 attempts starting at 200ms, doubling, capped at 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. A nil retryable treats every error as retryable.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	return DoNotify(ctx, cfg, retryable, fn, nil)
}

// DoNotify is Do with a hook invoked before each backoff sleep
func DoNotify(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error, onRetry func(attempt int, sleep time.Duration, err error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts-1 || (retryable != nil && !retryable(err)) {
			break
		}
		sleep := Jitter(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt+1, sleep, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

// Jitter returns a random duration in [0, min(initial*mult^attempt, max)]
func Jitter(cfg Config, attempt int) time.Duration {
	exp := float64(cfg.InitialBackoff)
	for i := 0; i < attempt; i++ {
		exp *= cfg.Multiplier
	}
	d := time.Duration(exp)
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if d <= 0 {
		return cfg.InitialBackoff
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// IsTransient matches the error text of network and HTTP failures worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "temporarily unavailable", "connection refused", "connection reset",
		"deadline exceeded", "eof", "429", "500", "502", "503", "504", "unavailable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
