// Package config loads runtime configuration from the environment and the
// attribute schema from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/rcliao/story-memory/internal/embedding"
)

// Config holds every tunable of the engine and CLI.
type Config struct {
	DBPath   string `env:"STORY_MEMORY_DB"`
	Backend  string `env:"STORY_MEMORY_BACKEND" envDefault:"sqlite"`
	RedisURL string `env:"STORY_MEMORY_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	EmbedProvider string `env:"STORY_MEMORY_EMBED_PROVIDER" envDefault:"hash"`
	EmbedModel    string `env:"STORY_MEMORY_EMBED_MODEL"`
	EmbedURL      string `env:"STORY_MEMORY_EMBED_URL"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	// Dimension 0 lets the provider pick its model's native size.
	Dimension int `env:"STORY_MEMORY_DIMENSION"`

	TopK          int      `env:"STORY_MEMORY_TOP_K" envDefault:"8"`
	CheckK        int      `env:"STORY_MEMORY_CHECK_K" envDefault:"5"`
	MinScore      float64  `env:"STORY_MEMORY_MIN_SCORE" envDefault:"0"`
	ContextBudget int      `env:"STORY_MEMORY_CONTEXT_BUDGET" envDefault:"2000"`
	ContextTags   []string `env:"STORY_MEMORY_CONTEXT_TAGS" envDefault:"active" envSeparator:","`

	SchemaPath string `env:"STORY_MEMORY_SCHEMA"`

	LogLevel  string `env:"STORY_MEMORY_LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"STORY_MEMORY_LOG_FORMAT" envDefault:"console"`
}

// Load parses the environment into a Config and fills derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown backend %q (valid: sqlite, redis)", c.Backend)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("config: dimension must not be negative, got %d", c.Dimension)
	}
	if c.TopK <= 0 || c.CheckK <= 0 {
		return fmt.Errorf("config: top-k and check-k must be positive")
	}
	if c.ContextBudget <= 0 {
		return fmt.Errorf("config: context budget must be positive, got %d", c.ContextBudget)
	}
	return nil
}

// Embedding returns the provider options for internal/embedding.
func (c *Config) Embedding() embedding.Options {
	return embedding.Options{
		Provider: c.EmbedProvider,
		Model:    c.EmbedModel,
		URL:      c.EmbedURL,
		APIKey:   c.OpenAIKey,
		Dims:     c.Dimension,
	}
}

// DefaultDBPath returns ~/.story-memory/memory.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "story-memory.db"
	}
	return filepath.Join(home, ".story-memory", "memory.db")
}
