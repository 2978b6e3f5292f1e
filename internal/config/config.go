// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits with an error.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// MinSchedulerTokenLength is the shortest accepted trigger token.
const MinSchedulerTokenLength = 16

// Config holds all runtime configuration for the pipeline service.
type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PIPELINE_PORT" default:"8083"`
	GRPCPort    string `env:"GRPC_PORT" default:"9083"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	SchedulerToken    string        `env:"SCHEDULER_TOKEN"`
	SchedulerTimezone string        `env:"SCHEDULER_TIMEZONE" default:"UTC"`
	SchedulerCron     string        `env:"SCHEDULER_CRON"`
	RuleConcurrency   int           `env:"RULE_CONCURRENCY" default:"5"`
	RuleLockTTL       time.Duration `env:"RULE_LOCK_TTL" default:"10m"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Location resolves SchedulerTimezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GRPCEnabled reports whether the gRPC listener should start. An empty or
// "0" GRPC_PORT disables it.
func (c *Config) GRPCEnabled() bool { return c.GRPCPort != "" && c.GRPCPort != "0" }

// Load reads .env (optional) and the environment and returns a validated
// Config. DATABASE_URL may be omitted only when inMemory is set.
func Load(inMemory bool) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg, inMemory); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config, inMemory bool) error {
	if cfg.DatabaseURL == "" && !inMemory {
		return errors.New("DATABASE_URL is required")
	}
	if cfg.SchedulerToken == "" {
		return errors.New("SCHEDULER_TOKEN is required")
	}
	if len(cfg.SchedulerToken) < MinSchedulerTokenLength {
		return fmt.Errorf("SCHEDULER_TOKEN must be at least %d characters", MinSchedulerTokenLength)
	}
	if cfg.RuleConcurrency < 1 {
		return fmt.Errorf("RULE_CONCURRENCY must be positive, got %d", cfg.RuleConcurrency)
	}
	if cfg.RuleLockTTL <= 0 {
		return fmt.Errorf("RULE_LOCK_TTL must be positive, got %s", cfg.RuleLockTTL)
	}

	if _, err := time.LoadLocation(cfg.SchedulerTimezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE %q: %w", cfg.SchedulerTimezone, err)
	}
	return nil
}
