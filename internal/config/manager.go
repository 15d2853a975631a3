package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HANDOFF_API_BASE_URL.
const EnvPrefix = "HANDOFF"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		m.viper.SetConfigType("yaml")
	}

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readFile reads the YAML file. A missing file is not an error.
func (m *viperConfigManager) readFile() error {
	if m.configPath == "" {
		return nil
	}
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and delivers reloaded configurations.
// Updates that arrive while the previous one is unread are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.readFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper. Every key must have a default so
// AutomaticEnv can resolve it.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// API defaults
	m.viper.SetDefault("api.base_url", defaults.API.BaseURL)
	m.viper.SetDefault("api.ws_base_url", defaults.API.WSBaseURL)
	m.viper.SetDefault("api.timeout", defaults.API.Timeout)

	// Connection defaults
	m.viper.SetDefault("connection.heartbeat_interval", defaults.Connection.HeartbeatInterval)
	m.viper.SetDefault("connection.reconnect_delay", defaults.Connection.ReconnectDelay)
	m.viper.SetDefault("connection.reconnect_multiplier", defaults.Connection.ReconnectMultiplier)
	m.viper.SetDefault("connection.reconnect_max_delay", defaults.Connection.ReconnectMaxDelay)
	m.viper.SetDefault("connection.reconnect_max_attempts", defaults.Connection.ReconnectMaxAttempts)
	m.viper.SetDefault("connection.pong_timeout", defaults.Connection.PongTimeout)
	m.viper.SetDefault("connection.dial_timeout", defaults.Connection.DialTimeout)

	// Session defaults
	m.viper.SetDefault("session.typing_interval", defaults.Session.TypingInterval)
	m.viper.SetDefault("session.stats_interval", defaults.Session.StatsInterval)
	m.viper.SetDefault("session.tombstone_size", defaults.Session.TombstoneSize)

	// Store defaults
	m.viper.SetDefault("store.sqlite_path", defaults.Store.SQLitePath)

	// Metrics defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	m.viper.SetDefault("metrics.address", defaults.Metrics.Address)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.protocol", defaults.Tracing.Protocol)
	m.viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// API
	cfg.API.BaseURL = strings.TrimRight(m.viper.GetString("api.base_url"), "/")
	cfg.API.WSBaseURL = strings.TrimRight(m.viper.GetString("api.ws_base_url"), "/")
	cfg.API.Timeout = m.viper.GetDuration("api.timeout")

	// Connection
	cfg.Connection.HeartbeatInterval = m.viper.GetDuration("connection.heartbeat_interval")
	cfg.Connection.ReconnectDelay = m.viper.GetDuration("connection.reconnect_delay")
	cfg.Connection.ReconnectMultiplier = m.viper.GetFloat64("connection.reconnect_multiplier")
	cfg.Connection.ReconnectMaxDelay = m.viper.GetDuration("connection.reconnect_max_delay")
	cfg.Connection.ReconnectMaxAttempts = m.viper.GetInt("connection.reconnect_max_attempts")
	cfg.Connection.PongTimeout = m.viper.GetDuration("connection.pong_timeout")
	cfg.Connection.DialTimeout = m.viper.GetDuration("connection.dial_timeout")

	// Session
	cfg.Session.TypingInterval = m.viper.GetDuration("session.typing_interval")
	cfg.Session.StatsInterval = m.viper.GetDuration("session.stats_interval")
	cfg.Session.TombstoneSize = m.viper.GetInt("session.tombstone_size")

	// Store
	cfg.Store.SQLitePath = m.viper.GetString("store.sqlite_path")

	// Metrics
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")
	cfg.Metrics.Address = m.viper.GetString("metrics.address")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = m.viper.GetString("tracing.protocol")
	cfg.Tracing.SampleRate = m.viper.GetFloat64("tracing.sample_rate")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
