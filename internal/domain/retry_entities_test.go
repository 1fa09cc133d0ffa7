package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryableError(t *testing.T) {
	t.Parallel()
	retryable := []error{
		ErrExtractorThrottled,
		ErrExtractorUnavailable,
		ErrEmbedderUnavailable,
		ErrStoreUnavailable,
		context.DeadlineExceeded,
		fmt.Errorf("op=embed: %w", ErrEmbedderUnavailable),
	}
	for _, err := range retryable {
		assert.True(t, RetryableError(err), "expected retryable: %v", err)
	}

	terminal := []error{
		nil,
		ErrInvalidArgument,
		ErrSchemaInvalid,
		ErrDimMismatch,
		ErrConfig,
		ErrCancelled,
		context.Canceled,
		errors.New("unknown"),
	}
	for _, err := range terminal {
		assert.False(t, RetryableError(err), "expected non-retryable: %v", err)
	}
}

func TestFatalError(t *testing.T) {
	t.Parallel()
	assert.True(t, FatalError(ErrConfig))
	assert.True(t, FatalError(ErrInvariant))
	assert.True(t, FatalError(fmt.Errorf("op=embed: %w", ErrDimMismatch)))
	assert.False(t, FatalError(ErrEmbedderUnavailable))
	assert.False(t, FatalError(nil))
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := DefaultRetryConfig()
	for attempt := 0; attempt < 6; attempt++ {
		d := cfg.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}

	cfg.FullJitter = false
	assert.Equal(t, 1*time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, cfg.MaxDelay, cfg.Delay(10))
}
