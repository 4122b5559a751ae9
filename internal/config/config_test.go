package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, "creatorq:cache:", cfg.CachePrefix)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.PostgresDSN)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 5*time.Second, cfg.RetryMaxInterval)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxElapsed)
	assert.Equal(t, 10*time.Minute, cfg.VideoTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.MetricsInterval)
	assert.Equal(t, "https://api.groq.com/openai/v1", cfg.ChatBaseURL)
	assert.True(t, cfg.OTelEnabled)
	assert.True(t, cfg.NotifyFailuresOnly)
	assert.False(t, cfg.NotificationsEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CREATORQ_PORT", "9090")
	t.Setenv("CREATORQ_REDIS_ADDR", "localhost:6379")
	t.Setenv("CREATORQ_CACHE_TTL", "15m")
	t.Setenv("CREATORQ_WORKFLOW_TTL", "video_analysis:24h,channel_health:30m")
	t.Setenv("CREATORQ_RETRY_ATTEMPTS", "5")
	t.Setenv("CREATORQ_EMAIL_API_KEY", "SG.key")
	t.Setenv("CREATORQ_NOTIFY_TO", "ops@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.Equal(t, map[string]time.Duration{
		"video_analysis": 24 * time.Hour,
		"channel_health": 30 * time.Minute,
	}, cfg.WorkflowTTL)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.True(t, cfg.NotificationsEnabled())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"unparseable duration", "CREATORQ_CACHE_TTL", "soon", "failed to parse env"},
		{"zero attempts", "CREATORQ_RETRY_ATTEMPTS", "0", "RETRY_ATTEMPTS must be at least 1"},
		{"negative ttl", "CREATORQ_CACHE_TTL", "-1m", "CACHE_TTL must be positive"},
		{"zero workflow ttl", "CREATORQ_WORKFLOW_TTL", "video_analysis:0s", "TTL for workflow video_analysis"},
		{"zero sweep interval", "CREATORQ_SWEEP_INTERVAL", "0s", "intervals must be positive"},
		{"shrinking backoff", "CREATORQ_RETRY_MULTIPLIER", "0.5", "RETRY_MULTIPLIER must be at least 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
