package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 8, cfg.WorkerMin)
	assert.Equal(t, 64, cfg.WorkerMax)
	assert.Equal(t, int64(2000), cfg.QueueDepthHigh)
	assert.Equal(t, int64(200), cfg.QueueDepthLow)
	assert.Equal(t, int64(5000), cfg.QueueDepthMax)
	assert.Equal(t, 80.0, cfg.MemHighPct)
	assert.Equal(t, 85.0, cfg.CPUHighPct)
	assert.Equal(t, "v1", cfg.WeightsVersion)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes())
}

func Test_Load_RejectsBadWorkerBounds(t *testing.T) {
	t.Setenv("WORKER_MIN", "16")
	t.Setenv("WORKER_MAX", "4")

	_, err := Load()
	require.Error(t, err)
}

func Test_Load_RejectsBadQueueThresholds(t *testing.T) {
	t.Setenv("QUEUE_DEPTH_HIGH", "6000")
	t.Setenv("QUEUE_DEPTH_MAX", "5000")

	_, err := Load()
	require.Error(t, err)
}

func Test_Load_RejectsWeightsNotSummingToOne(t *testing.T) {
	t.Setenv("WEIGHT_SKILLS", "0.9")

	_, err := Load()
	require.Error(t, err)
}

func Test_GetAIBackoffConfig_TestEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	maxElapsed, initial, maxIv, mult := cfg.GetAIBackoffConfig()
	assert.Less(t, maxElapsed, cfg.ExtractTimeout)
	assert.Less(t, initial, maxIv)
	assert.Equal(t, 2.0, mult)
}
