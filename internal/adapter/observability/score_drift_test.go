package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreDriftMonitor_FreezesBaselineThenTracksDrift(t *testing.T) {
	t.Parallel()
	m := NewScoreDriftMonitor(4, 5)

	for i := 0; i < 4; i++ {
		m.Record(60)
	}
	assert.InDelta(t, 0, m.Drift(), 0.001)

	for i := 0; i < 4; i++ {
		m.Record(80)
	}
	assert.InDelta(t, 20, m.Drift(), 0.001)
}

func TestScoreDriftMonitor_NoDriftBeforeFullWindow(t *testing.T) {
	t.Parallel()
	m := NewScoreDriftMonitor(10, 5)
	m.Record(50)
	m.Record(90)
	assert.Zero(t, m.Drift())
}

func TestNewScoreDriftMonitor_Defaults(t *testing.T) {
	t.Parallel()
	m := NewScoreDriftMonitor(0, 0)
	assert.Equal(t, 100, m.size)
	assert.InDelta(t, 10, m.threshold, 0.001)
}
