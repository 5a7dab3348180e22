// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming (default "1s").
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval (default "1m").
//   - CACHE_TTL: how long a cached flag is served without confirmation before
//     it is considered stale (default "5m").
//   - LOG_LEVEL: debug, info, warn, or error (default "info").
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute (default 10).
//   - ANALYTICS_BUFFER_SIZE: evaluation event buffer capacity (default 4096).
//   - ANALYTICS_FLUSH_INTERVAL: evaluation event flush cadence (default "5s").
//   - SHUTDOWN_TIMEOUT: graceful shutdown deadline (default "10s").
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds the runtime configuration for the flagwire server.
type Config struct {
	DatabaseURL            string        `env:"DATABASE_URL,required"`
	HTTPAddr               string        `env:"HTTP_ADDR" envDefault:":8080"`
	StreamPollInterval     time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"1s"`
	CacheResyncInterval    time.Duration `env:"CACHE_RESYNC_INTERVAL" envDefault:"1m"`
	CacheTTL               time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info"`
	AuthRateLimit          int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	AnalyticsBufferSize    int           `env:"ANALYTICS_BUFFER_SIZE" envDefault:"4096"`
	AnalyticsFlushInterval time.Duration `env:"ANALYTICS_FLUSH_INTERVAL" envDefault:"5s"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if values fail validation.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.StreamPollInterval <= 0 {
		return errors.New("STREAM_POLL_INTERVAL must be > 0")
	}
	if c.CacheResyncInterval <= 0 {
		return errors.New("CACHE_RESYNC_INTERVAL must be > 0")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be > 0")
	}
	if c.AuthRateLimit <= 0 {
		return errors.New("AUTH_RATE_LIMIT must be > 0")
	}
	if c.AnalyticsBufferSize <= 0 {
		return errors.New("ANALYTICS_BUFFER_SIZE must be > 0")
	}
	if c.AnalyticsFlushInterval <= 0 {
		return errors.New("ANALYTICS_FLUSH_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}

	return nil
}
