package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CircuitBreakerState exports 0 closed, 1 open, 2 half-open per breaker.
var CircuitBreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	},
	[]string{"name"},
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker fast-fails calls to an upstream after maxFailures
// consecutive errors and probes again once the cooldown passes. One
// successful probe closes it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{name: name, maxFailures: maxFailures, cooldown: cooldown}
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown admits a single probe by moving to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		cb.state = stateHalfOpen
	}
	cb.export()
	return cb.state != stateOpen
}

// Report records the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Report(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
	} else {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures || cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
	}
	cb.export()
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		return false
	}
	return cb.state == stateOpen
}

func (cb *CircuitBreaker) export() {
	CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
