// Package config provides configuration management for the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Logging LoggingConfig
	Engine  EngineConfig
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// EngineConfig holds scheduler/runner defaults. Individual workflows may
// override most of these per-task; these are the engine-wide fallbacks.
type EngineConfig struct {
	StateDir              string
	DefaultMaxParallelism int
	DefaultRetryDelay     time.Duration
	MaxBackoffDelay       time.Duration
	HookTimeout           time.Duration
	DefaultDoDMaxRetries  int
}

// Load builds a Config from environment variables (and a .env file, if
// present), applying AGENTFLOW_-prefixed overrides over sane defaults.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Logging: LoggingConfig{
			Level:  getEnv("AGENTFLOW_LOG_LEVEL", "info"),
			Format: getEnv("AGENTFLOW_LOG_FORMAT", "json"),
		},
		Engine: EngineConfig{
			StateDir:              getEnv("AGENTFLOW_STATE_DIR", "./data/state"),
			DefaultMaxParallelism: getEnvAsInt("AGENTFLOW_MAX_PARALLELISM", 10),
			DefaultRetryDelay:     getEnvAsDuration("AGENTFLOW_RETRY_DELAY", time.Second),
			MaxBackoffDelay:       getEnvAsDuration("AGENTFLOW_MAX_BACKOFF_DELAY", 60*time.Second),
			HookTimeout:           getEnvAsDuration("AGENTFLOW_HOOK_TIMEOUT", 30*time.Second),
			DefaultDoDMaxRetries:  getEnvAsInt("AGENTFLOW_DOD_MAX_RETRIES", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Engine.DefaultMaxParallelism < 1 {
		return fmt.Errorf("invalid max parallelism: %d", c.Engine.DefaultMaxParallelism)
	}
	if c.Engine.StateDir == "" {
		return fmt.Errorf("state dir must not be empty")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
