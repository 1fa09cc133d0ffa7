package observability

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ScoreDriftGauge exports the absolute shift of the recent mean overall
// score against the long-run baseline.
var ScoreDriftGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "match_score_drift",
		Help: "Absolute drift of the recent mean overall score from baseline",
	},
)

// ScoreDriftMonitor compares a rolling window of overall match scores
// against a baseline frozen from the first full window. A drifting mean
// usually means an upstream model or weights change leaked into
// production unnoticed.
type ScoreDriftMonitor struct {
	mu        sync.Mutex
	window    []float64
	size      int
	threshold float64
	baseline  float64
	frozen    bool
}

// NewScoreDriftMonitor creates a monitor over a window of size samples
// that warns when the mean shifts more than threshold points.
func NewScoreDriftMonitor(size int, threshold float64) *ScoreDriftMonitor {
	if size <= 0 {
		size = 100
	}
	if threshold <= 0 {
		threshold = 10
	}
	return &ScoreDriftMonitor{size: size, threshold: threshold}
}

// Record adds one overall score and re-evaluates drift.
func (m *ScoreDriftMonitor) Record(score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, score)
	if len(m.window) < m.size {
		return
	}
	if len(m.window) > m.size {
		m.window = m.window[1:]
	}

	mean := 0.0
	for _, s := range m.window {
		mean += s
	}
	mean /= float64(len(m.window))

	if !m.frozen {
		m.baseline = mean
		m.frozen = true
		return
	}

	drift := mean - m.baseline
	if drift < 0 {
		drift = -drift
	}
	ScoreDriftGauge.Set(drift)
	if drift > m.threshold {
		slog.Warn("match score drift detected",
			slog.Float64("baseline", m.baseline),
			slog.Float64("recent_mean", mean),
			slog.Float64("drift", drift))
	}
}

// Drift returns the current absolute drift; zero until the baseline is
// frozen.
func (m *ScoreDriftMonitor) Drift() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.frozen || len(m.window) == 0 {
		return 0
	}
	mean := 0.0
	for _, s := range m.window {
		mean += s
	}
	mean /= float64(len(m.window))
	d := mean - m.baseline
	if d < 0 {
		d = -d
	}
	return d
}

var defaultDrift = NewScoreDriftMonitor(100, 10)
