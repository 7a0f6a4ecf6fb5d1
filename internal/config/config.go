package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the marbix API server and worker.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	AI         AIConfig
	Moderation ModerationConfig
	Notify     NotifyConfig
	Retention  RetentionConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig governs the durable job queue: the hard per-invocation timeout
// and the number of full pipeline re-executions before a job is abandoned.
type QueueConfig struct {
	Stream      string
	Group       string
	JobTimeout  time.Duration
	MaxTries    int
	Concurrency int
}

type AIConfig struct {
	CallTimeout time.Duration
	RetryDelay  time.Duration
	Perplexity  PerplexityConfig
	Anthropic   AnthropicConfig
}

type PerplexityConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type ModerationConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type NotifyConfig struct {
	EventChannel string
	CacheTTL     time.Duration
	IdleTimeout  time.Duration
}

type RetentionConfig struct {
	MaxAge time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("MARBIX_PORT", 8080),
			Env:             envString("MARBIX_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Stream:      envString("QUEUE_STREAM", "strategy:jobs"),
			Group:       envString("QUEUE_GROUP", "workers"),
			JobTimeout:  envDuration("QUEUE_JOB_TIMEOUT", 30*time.Minute),
			MaxTries:    envInt("QUEUE_MAX_TRIES", 3),
			Concurrency: envInt("QUEUE_CONCURRENCY", 2),
		},
		AI: AIConfig{
			CallTimeout: envDurationSecs("AI_CALL_TIMEOUT_SECS", 600*time.Second),
			RetryDelay:  envDurationSecs("AI_RETRY_DELAY_SECS", 5*time.Second),
			Perplexity: PerplexityConfig{
				BaseURL: envString("PERPLEXITY_BASE_URL", "https://api.perplexity.ai"),
				APIKey:  os.Getenv("PERPLEXITY_API_KEY"),
				Model:   envString("PERPLEXITY_MODEL", "sonar-deep-research"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			},
		},
		Moderation: ModerationConfig{
			BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   envString("MODERATION_MODEL", "gpt-4o-mini"),
			Timeout: envDurationSecs("MODERATION_TIMEOUT_SECS", 30*time.Second),
		},
		Notify: NotifyConfig{
			EventChannel: envString("NOTIFY_EVENT_CHANNEL", "strategy:events"),
			CacheTTL:     envDuration("NOTIFY_CACHE_TTL", 24*time.Hour),
			IdleTimeout:  envDurationSecs("NOTIFY_IDLE_TIMEOUT_SECS", 300*time.Second),
		},
		Retention: RetentionConfig{
			MaxAge: envDuration("RETENTION_MAX_AGE", 168*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Perplexity.APIKey == "" {
		return fmt.Errorf("PERPLEXITY_API_KEY is required")
	}
	if c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.Moderation.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	for _, u := range []struct {
		name  string
		value string
	}{
		{"PERPLEXITY_BASE_URL", c.AI.Perplexity.BaseURL},
		{"ANTHROPIC_BASE_URL", c.AI.Anthropic.BaseURL},
		{"OPENAI_BASE_URL", c.Moderation.BaseURL},
	} {
		if !strings.HasPrefix(u.value, "http://") && !strings.HasPrefix(u.value, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", u.name, u.value)
		}
	}

	if c.Queue.MaxTries < 1 {
		return fmt.Errorf("QUEUE_MAX_TRIES must be at least 1")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
