// Package config loads process configuration from CREATORQ_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const Prefix = "CREATORQ_"

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RedisAddr selects the Redis cache backend; empty keeps results in memory.
	RedisAddr   string        `env:"REDIS_ADDR"`
	CachePrefix string        `env:"CACHE_PREFIX" envDefault:"creatorq:cache:"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	// WorkflowTTL overrides CacheTTL per workflow, e.g. "video_analysis:24h,channel_health:30m".
	WorkflowTTL   map[string]time.Duration `env:"WORKFLOW_TTL"`
	SweepInterval time.Duration            `env:"SWEEP_INTERVAL" envDefault:"1m"`
	// MetricsInterval is how often task and cache gauges are refreshed.
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"10s"`

	// PostgresDSN enables durable task history when set.
	PostgresDSN   string        `env:"POSTGRES_DSN"`
	TaskRetention time.Duration `env:"TASK_RETENTION" envDefault:"24h"`

	RetryAttempts    int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInitial     time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	RetryMultiplier  float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"5s"`
	RetryMaxElapsed  time.Duration `env:"RETRY_MAX_ELAPSED" envDefault:"30s"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`
	VideoTimeout     time.Duration `env:"VIDEO_TIMEOUT" envDefault:"10m"`

	YouTubeBaseURL string  `env:"YOUTUBE_BASE_URL" envDefault:"https://www.googleapis.com/youtube/v3"`
	YouTubeAPIKey  string  `env:"YOUTUBE_API_KEY"`
	YouTubeRPS     float64 `env:"YOUTUBE_RPS" envDefault:"5"`

	VideoBaseURL string `env:"VIDEO_BASE_URL" envDefault:"http://localhost:9000"`
	VideoAPIKey  string `env:"VIDEO_API_KEY"`

	AffiliateBaseURL string `env:"AFFILIATE_BASE_URL" envDefault:"http://localhost:9100"`
	AffiliateAPIKey  string `env:"AFFILIATE_API_KEY"`

	ChatBaseURL string  `env:"CHAT_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	ChatAPIKey  string  `env:"CHAT_API_KEY"`
	ChatModel   string  `env:"CHAT_MODEL" envDefault:"llama-3.3-70b-versatile"`
	ChatRPS     float64 `env:"CHAT_RPS" envDefault:"2"`

	// Notifications are sent only when both the SendGrid key and a recipient are set.
	EmailAPIKey        string `env:"EMAIL_API_KEY"`
	EmailFromName      string `env:"EMAIL_FROM_NAME" envDefault:"creatorq"`
	EmailFromAddress   string `env:"EMAIL_FROM_ADDRESS"`
	NotifyTo           string `env:"NOTIFY_TO"`
	NotifyFailuresOnly bool   `env:"NOTIFY_FAILURES_ONLY" envDefault:"true"`

	// Tracing is exported only when an endpoint is set and it is not disabled.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// Load parses the environment into a Config and checks the values that would
// otherwise fail late.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RetryAttempts < 1 {
		return fmt.Errorf("invalid config: %sRETRY_ATTEMPTS must be at least 1, got %d", Prefix, c.RetryAttempts)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("invalid config: %sCACHE_TTL must be positive, got %s", Prefix, c.CacheTTL)
	}
	for name, ttl := range c.WorkflowTTL {
		if ttl <= 0 {
			return fmt.Errorf("invalid config: TTL for workflow %s must be positive, got %s", name, ttl)
		}
	}
	if c.SweepInterval <= 0 || c.MetricsInterval <= 0 {
		return fmt.Errorf("invalid config: sweep and metrics intervals must be positive")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("invalid config: %sRETRY_MULTIPLIER must be at least 1, got %v", Prefix, c.RetryMultiplier)
	}
	return nil
}

func (c *Config) NotificationsEnabled() bool {
	return c.EmailAPIKey != "" && c.NotifyTo != ""
}
