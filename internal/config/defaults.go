package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// API defaults
	cfg.API.BaseURL = "http://127.0.0.1:8000"
	cfg.API.WSBaseURL = ""
	cfg.API.Timeout = 30 * time.Second

	// Connection defaults: fixed 3s retry, never give up
	cfg.Connection.HeartbeatInterval = 30 * time.Second
	cfg.Connection.ReconnectDelay = 3 * time.Second
	cfg.Connection.ReconnectMultiplier = 1.0
	cfg.Connection.ReconnectMaxDelay = 0
	cfg.Connection.ReconnectMaxAttempts = 0
	cfg.Connection.PongTimeout = 0
	cfg.Connection.DialTimeout = 10 * time.Second

	// Session defaults
	cfg.Session.TypingInterval = 2 * time.Second
	cfg.Session.StatsInterval = 30 * time.Second
	cfg.Session.TombstoneSize = 1024

	// Store defaults
	cfg.Store.SQLitePath = ""

	// Metrics defaults
	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = "127.0.0.1:9464"

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.Protocol = "http"
	cfg.Tracing.SampleRate = 1.0

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
