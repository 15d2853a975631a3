// Package config loads hand-off client settings.
//
// Sources, highest priority first:
//  1. Environment variables (HANDOFF_* prefix, dots become underscores)
//  2. YAML config file (optional)
//  3. Built-in defaults
//
// Sections:
//
//	api         base_url, ws_base_url, timeout
//	connection  heartbeat_interval, reconnect_*, pong_timeout, dial_timeout
//	session     typing_interval, stats_interval, tombstone_size
//	store       sqlite_path
//	metrics     enabled, address
//	tracing     endpoint, protocol, sample_rate
//	logging     level, file, max_size_mb, max_backups, max_age_days, compress
package config

import (
	"context"
	"strings"
	"time"

	"github.com/kubilitics/handoff/internal/connection"
	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/session"
	"github.com/kubilitics/handoff/internal/tracing"
)

// Config contains all configuration fields.
type Config struct {
	API struct {
		BaseURL string
		// WSBaseURL defaults to BaseURL with the scheme switched to ws/wss.
		WSBaseURL string
		Timeout   time.Duration
	}

	Connection struct {
		HeartbeatInterval    time.Duration
		ReconnectDelay       time.Duration
		ReconnectMultiplier  float64
		ReconnectMaxDelay    time.Duration
		ReconnectMaxAttempts int
		PongTimeout          time.Duration
		DialTimeout          time.Duration
	}

	Session struct {
		TypingInterval time.Duration
		StatsInterval  time.Duration
		TombstoneSize  int
	}

	Store struct {
		// SQLitePath empty disables the transcript store.
		SQLitePath string
	}

	Metrics struct {
		Enabled bool
		Address string
	}

	Tracing struct {
		// Endpoint empty disables tracing.
		Endpoint   string
		Protocol   string
		SampleRate float64
	}

	Logging struct {
		Level      string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// WebSocketBaseURL returns the configured WS origin or one derived from the
// REST base URL.
func (c *Config) WebSocketBaseURL() string {
	if c.API.WSBaseURL != "" {
		return c.API.WSBaseURL
	}
	switch {
	case strings.HasPrefix(c.API.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.API.BaseURL, "https://")
	case strings.HasPrefix(c.API.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.API.BaseURL, "http://")
	}
	return c.API.BaseURL
}

// SessionConfig maps the connection and session sections onto session.Config.
func (c *Config) SessionConfig() session.Config {
	conn := connection.DefaultConfig()
	conn.BaseURL = c.WebSocketBaseURL()
	conn.HeartbeatInterval = c.Connection.HeartbeatInterval
	conn.PongTimeout = c.Connection.PongTimeout
	conn.DialTimeout = c.Connection.DialTimeout
	conn.Reconnect = connection.ReconnectPolicy{
		Delay:       c.Connection.ReconnectDelay,
		Multiplier:  c.Connection.ReconnectMultiplier,
		MaxDelay:    c.Connection.ReconnectMaxDelay,
		MaxAttempts: c.Connection.ReconnectMaxAttempts,
	}

	return session.Config{
		Connection:     conn,
		TypingInterval: c.Session.TypingInterval,
		TombstoneSize:  c.Session.TombstoneSize,
	}
}

// LoggingConfig maps the logging section onto logging.Config.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// TracingConfig maps the tracing section onto tracing.Config.
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		ServiceName: "handoffctl",
		Endpoint:    c.Tracing.Endpoint,
		Protocol:    c.Tracing.Protocol,
		SampleRate:  c.Tracing.SampleRate,
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch delivers a new Config whenever the file changes.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads all sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a manager reading configPath. An empty path or a
// missing file leaves defaults and environment only.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}, nil
}
