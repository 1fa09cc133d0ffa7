// Retry policy for queue job processing.
package domain

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for transient job failures.
type RetryConfig struct {
	// MaxAttempts counts the first run plus retries.
	MaxAttempts int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// FullJitter draws each delay uniformly from [0, computed delay].
	FullJitter bool
}

// DefaultRetryConfig returns the queue retry policy: up to 3 attempts with
// exponential backoff and full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		FullJitter:   true,
	}
}

// RetryableError reports whether err is a transient failure worth another
// attempt. Input, data, and fatal errors are never retried; cancellation
// does not consume retry budget and is handled separately.
func RetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrExtractorThrottled),
		errors.Is(err, ErrExtractorUnavailable),
		errors.Is(err, ErrEmbedderUnavailable),
		errors.Is(err, ErrStoreUnavailable):
		return true
	default:
		return false
	}
}

// CancelledError reports whether err is a caller or deadline cancellation.
// Cancelled jobs end in the cancelled status and keep their retry budget.
func CancelledError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// FatalError reports whether err must halt the worker that hit it.
func FatalError(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrInvariant) || errors.Is(err, ErrDimMismatch)
}

// Delay computes the backoff before retry number attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.FullJitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}
