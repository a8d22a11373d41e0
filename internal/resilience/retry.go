package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// RetryConfig bounds a retry sequence. Backoff is exponential
// (base x multiplier^attempt) capped at MaxDelay, with optional jitter.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultRetryConfig returns a conservative default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// RetryableError wraps an error to mark it eligible for retry. Only
// transport errors and 5xx/429 responses should ever be wrapped this way;
// validation and state errors must never be retried.
type RetryableError struct {
	Err error
}

func (r *RetryableError) Error() string { return r.Err.Error() }
func (r *RetryableError) Unwrap() error { return r.Err }

// Retryable marks err as eligible for retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableStatus reports whether an HTTP status code should be retried:
// 5xx or 429 only, per spec §4.1.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Retry runs fn up to cfg.MaxAttempts times, retrying only errors wrapped
// with Retryable, using exponential backoff with jitter via
// cenkalti/backoff. Validation/state errors returned unwrapped propagate
// immediately without consuming an attempt.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	if cfg.JitterFraction > 0 {
		b.RandomizationFactor = cfg.JitterFraction
	}
	b.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed wall time

	withRetries := backoff.WithMaxRetries(b, uint64(maxInt(cfg.MaxAttempts-1, 0)))
	withCtx := backoff.WithContext(withRetries, ctx)

	var lastNonRetryable error
	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var re *RetryableError
		if errors.As(err, &re) {
			return re.Err
		}
		// Not marked retryable: stop immediately by returning a
		// backoff.Permanent wrapper.
		lastNonRetryable = err
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, withCtx); err != nil {
		if lastNonRetryable != nil {
			return lastNonRetryable
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return apperrors.ErrTimeout
		}
		return apperrors.ErrUpstreamUnavailable
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
