package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be positive, got %s", d)
		}
	}
	nonNegative := func(field string, d time.Duration) {
		if d < 0 {
			add(field, "must not be negative, got %s", d)
		}
	}

	// API
	if c.API.BaseURL == "" {
		add("api.base_url", "base url is required")
	} else if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		add("api.base_url", "%v", err)
	}
	if c.API.WSBaseURL != "" {
		if err := checkURL(c.API.WSBaseURL, "ws", "wss", "http", "https"); err != nil {
			add("api.ws_base_url", "%v", err)
		}
	}
	positive("api.timeout", c.API.Timeout)

	// Connection
	positive("connection.heartbeat_interval", c.Connection.HeartbeatInterval)
	positive("connection.reconnect_delay", c.Connection.ReconnectDelay)
	positive("connection.dial_timeout", c.Connection.DialTimeout)
	nonNegative("connection.reconnect_max_delay", c.Connection.ReconnectMaxDelay)
	nonNegative("connection.pong_timeout", c.Connection.PongTimeout)
	if c.Connection.ReconnectMultiplier < 0 {
		add("connection.reconnect_multiplier", "must not be negative, got %g", c.Connection.ReconnectMultiplier)
	}
	if c.Connection.ReconnectMaxAttempts < 0 {
		add("connection.reconnect_max_attempts", "must not be negative, got %d", c.Connection.ReconnectMaxAttempts)
	}
	if c.Connection.ReconnectMaxDelay > 0 && c.Connection.ReconnectMaxDelay < c.Connection.ReconnectDelay {
		add("connection.reconnect_max_delay", "must not be below reconnect_delay (%s)", c.Connection.ReconnectDelay)
	}

	// Session
	positive("session.typing_interval", c.Session.TypingInterval)
	positive("session.stats_interval", c.Session.StatsInterval)
	if c.Session.TombstoneSize < 1 {
		add("session.tombstone_size", "must be at least 1, got %d", c.Session.TombstoneSize)
	}

	// Metrics
	if c.Metrics.Enabled {
		if _, port, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			add("metrics.address", "invalid address format (expected host:port): %v", err)
		} else if port == "" {
			add("metrics.address", "port cannot be empty")
		}
	}

	// Tracing
	if c.Tracing.Endpoint != "" {
		if p := strings.ToLower(c.Tracing.Protocol); p != "" && p != "http" && p != "grpc" {
			add("tracing.protocol", "must be http or grpc, got '%s'", c.Tracing.Protocol)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add("tracing.sample_rate", "must be between 0 and 1")
	}

	// Logging
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		add("logging", "rotation limits must not be negative")
	}

	return errs
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("url %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
}
