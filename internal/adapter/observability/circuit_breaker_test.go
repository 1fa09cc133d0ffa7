package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-open", 3, time.Minute)
	errBoom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.Report(errBoom)
	}
	assert.True(t, cb.IsOpen())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-halfopen", 1, 10*time.Millisecond)
	cb.Report(errors.New("boom"))
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Report(nil)
	assert.False(t, cb.IsOpen())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-reopen", 1, 10*time.Millisecond)
	cb.Report(errors.New("boom"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Report(errors.New("still down"))
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-reset", 2, time.Minute)
	cb.Report(errors.New("boom"))
	cb.Report(nil)
	cb.Report(errors.New("boom"))
	assert.True(t, cb.Allow())
}
