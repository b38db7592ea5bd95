package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "events", cfg.StreamKey)
	assert.Equal(t, 30*time.Second, cfg.PendingInterval)
	assert.Equal(t, 16, cfg.Bus.MaxConcurrency)
	assert.Equal(t, 3, cfg.Effect.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Effect.InitialDelay)
	assert.InDelta(t, 2.0, cfg.Effect.BackoffMultiplier, 0.0001)
	assert.Equal(t, 8, cfg.Effect.PostCommitConcurrency)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("EFFECT_MAX_RETRIES", "7")
	t.Setenv("BUS_FEED_BUFFER", "8")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Effect.MaxRetries)
	assert.Equal(t, 8, cfg.Bus.FeedBuffer)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	t.Setenv("EFFECT_TIMEOUT", "soon")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestStorageDriverSelection(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.UseMemoryStorage())
	assert.False(t, cfg.ForwardToStream)

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("FORWARD_TO_STREAM", "true")

	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.UseMemoryStorage())
	assert.True(t, cfg.ForwardToStream)
}
