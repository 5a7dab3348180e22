package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/flagwire")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.StreamPollInterval != time.Second {
		t.Fatalf("StreamPollInterval = %v, want %v", cfg.StreamPollInterval, time.Second)
	}
	if cfg.CacheResyncInterval != time.Minute {
		t.Fatalf("CacheResyncInterval = %v, want %v", cfg.CacheResyncInterval, time.Minute)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("CacheTTL = %v, want %v", cfg.CacheTTL, 5*time.Minute)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.AuthRateLimit != 10 {
		t.Fatalf("AuthRateLimit = %d, want %d", cfg.AuthRateLimit, 10)
	}
	if cfg.AnalyticsBufferSize != 4096 {
		t.Fatalf("AnalyticsBufferSize = %d, want %d", cfg.AnalyticsBufferSize, 4096)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for missing DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("STREAM_POLL_INTERVAL", "250ms")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9999")
	}
	if cfg.StreamPollInterval != 250*time.Millisecond {
		t.Fatalf("StreamPollInterval = %v, want %v", cfg.StreamPollInterval, 250*time.Millisecond)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("CacheTTL = %v, want %v", cfg.CacheTTL, 30*time.Second)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		envKey  string
		value   string
		wantErr string
	}{
		{name: "non-positive poll interval", envKey: "STREAM_POLL_INTERVAL", value: "0s", wantErr: "STREAM_POLL_INTERVAL"},
		{name: "negative resync interval", envKey: "CACHE_RESYNC_INTERVAL", value: "-1m", wantErr: "CACHE_RESYNC_INTERVAL"},
		{name: "zero ttl", envKey: "CACHE_TTL", value: "0s", wantErr: "CACHE_TTL"},
		{name: "zero rate limit", envKey: "AUTH_RATE_LIMIT", value: "0", wantErr: "AUTH_RATE_LIMIT"},
		{name: "zero buffer", envKey: "ANALYTICS_BUFFER_SIZE", value: "0", wantErr: "ANALYTICS_BUFFER_SIZE"},
		{name: "bad log level", envKey: "LOG_LEVEL", value: "verbose", wantErr: "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.envKey, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error mentioning %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
