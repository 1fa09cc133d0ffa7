package redpanda

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// AdaptivePoller tunes the fetch loop's sleep between polls. Failing
// polls stretch the interval toward the ceiling, productive polls shrink
// it toward the floor.
type AdaptivePoller struct {
	mu            sync.Mutex
	base          time.Duration
	min           time.Duration
	max           time.Duration
	backoff       float64
	streakSuccess int
	streakFailure int
	healthy       bool
}

// NewAdaptivePoller returns a poller centered on base, bounded to
// [500ms, 10s].
func NewAdaptivePoller(base time.Duration) *AdaptivePoller {
	return &AdaptivePoller{
		base:    base,
		min:     500 * time.Millisecond,
		max:     10 * time.Second,
		backoff: 1.2,
		healthy: true,
	}
}

// GetNextInterval returns the sleep before the next poll.
func (ap *AdaptivePoller) GetNextInterval() time.Duration {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	// ten straight failures means the brokers look down; poll flat at
	// the ceiling instead of compounding further
	if ap.streakFailure >= 10 {
		return ap.max
	}
	if ap.streakFailure > 0 {
		d := time.Duration(float64(ap.base) * math.Pow(ap.backoff, float64(ap.streakFailure)))
		if d > ap.max {
			d = ap.max
		}
		return d
	}

	d := time.Duration(float64(ap.base) * math.Max(0.5, 1/float64(ap.streakSuccess+1)))
	if d < ap.min {
		d = ap.min
	}
	return d
}

// RecordSuccess notes a fetch that returned without error.
func (ap *AdaptivePoller) RecordSuccess() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.streakSuccess++
	ap.streakFailure = 0
	ap.healthy = true
}

// RecordFailure notes a failed fetch.
func (ap *AdaptivePoller) RecordFailure() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.streakFailure++
	ap.streakSuccess = 0
	if ap.healthy {
		slog.Warn("fetch loop backing off", slog.Duration("base", ap.base))
	}
	ap.healthy = false
}

// IsHealthy reports whether the last poll succeeded.
func (ap *AdaptivePoller) IsHealthy() bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.healthy
}
