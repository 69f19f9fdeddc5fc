// Package api serves the sigscope HTTP API: stream and channel control,
// filtered snapshots, measurement results and Prometheus metrics.
package api

import (
	"time"

	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultCacheTTL      = 500 * time.Millisecond
	DefaultSnapshotCount = 1024
	DefaultSnapshotLimit = 65536

	// StallThreshold marks a streaming source without frames as stalled.
	StallThreshold = 2 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string // e.g. "1M"

	// CacheTTL bounds how stale a cached measurement listing may be.
	CacheTTL time.Duration

	// SnapshotLimit caps the count parameter of snapshot requests.
	SnapshotLimit int
}

// DefaultConfig returns a Config with defaults for every field.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:8090",
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       "1M",
		CacheTTL:        DefaultCacheTTL,
		SnapshotLimit:   DefaultSnapshotLimit,
	}
}

// ConfigFromSettings maps the api settings section onto a Config.
func ConfigFromSettings(s conf.APISettings) Config {
	cfg := DefaultConfig()
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	if s.CacheTTL > 0 {
		cfg.CacheTTL = s.CacheTTL
	}
	if s.SnapshotLimit > 0 {
		cfg.SnapshotLimit = s.SnapshotLimit
	}
	return cfg
}
