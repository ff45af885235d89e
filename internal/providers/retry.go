package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls retry behaviour for provider calls.
type RetryConfig struct {
	Attempts int           // total attempts, including the first
	MinDelay time.Duration // initial backoff
	MaxDelay time.Duration // backoff cap
	Jitter   float64       // 0..1 fraction of the delay randomised
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		MinDelay: 300 * time.Millisecond,
		MaxDelay: 30 * time.Second,
		Jitter:   0.1,
	}
}

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// IsRetryableError reports whether err is worth another attempt:
// rate limits, server errors and transport failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.Attempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || !IsRetryableError(err) {
			break
		}

		delay := computeDelay(cfg, attempt)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
			if cfg.MaxDelay > 0 {
				delay = min(delay, cfg.MaxDelay)
			}
		}

		slog.Warn("provider: retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func computeDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.MinDelay << (attempt - 1)
	if cfg.MaxDelay > 0 && (delay > cfg.MaxDelay || delay <= 0) {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 && delay > 0 {
		spread := float64(delay) * cfg.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return max(delay, 0)
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
