// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/stevemurr/rental-store/backend"
	"github.com/stevemurr/rental-store/verify"
)

type Config struct {
	Host           string   `env:"HOST" envDefault:"0.0.0.0"`
	Port           string   `env:"PORT" envDefault:"8080"`
	DataDir        string   `env:"DATA_DIR" envDefault:"./data"`
	Backend        string   `env:"STORE_BACKEND" envDefault:"json"`
	KeyPrefix      string   `env:"KEY_PREFIX" envDefault:"@rental:"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	VerifyAttempts int           `env:"VERIFY_ATTEMPTS" envDefault:"3"`
	VerifySettle   time.Duration `env:"VERIFY_SETTLE" envDefault:"200ms"`
	VerifyBackoff  time.Duration `env:"VERIFY_BACKOFF" envDefault:"100ms"`
	QueryCacheTTL  time.Duration `env:"QUERY_CACHE_TTL" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses Config from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.VerifyAttempts < 1 {
		return Config{}, fmt.Errorf("VERIFY_ATTEMPTS must be at least 1, got %d", cfg.VerifyAttempts)
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) BackendOptions() backend.Options {
	return backend.Options{
		Kind:    c.Backend,
		DataDir: c.DataDir,
		Redis: backend.RedisConfig{
			Address:  c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		},
	}
}

func (c Config) VerifyPolicy() verify.Policy {
	return verify.Policy{
		Attempts: c.VerifyAttempts,
		Settle:   c.VerifySettle,
		Backoff:  c.VerifyBackoff,
	}
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
