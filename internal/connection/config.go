package connection

import (
	"errors"
	"time"
)

// ReconnectPolicy defines how long to wait before each reconnect attempt.
type ReconnectPolicy struct {
	Delay       time.Duration
	Multiplier  float64       // <= 1 keeps the delay fixed
	MaxDelay    time.Duration // 0 = no cap
	MaxAttempts int           // 0 = unlimited
}

// DefaultReconnectPolicy retries every 3s forever.
var DefaultReconnectPolicy = ReconnectPolicy{
	Delay:       3000 * time.Millisecond,
	Multiplier:  1.0,
	MaxAttempts: 0,
}

// Backoff returns the wait before the given attempt (1-based).
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	delay := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Config holds connection manager settings.
type Config struct {
	// BaseURL is the WebSocket origin, e.g. ws://127.0.0.1:8000. http and
	// https schemes are translated to ws and wss.
	BaseURL string

	HeartbeatInterval time.Duration
	Reconnect         ReconnectPolicy

	// PongTimeout closes the socket when nothing arrives within this long
	// after a ping. 0 disables the check.
	PongTimeout time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		Reconnect:         DefaultReconnectPolicy,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         1 << 20,
	}
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.Reconnect.Delay <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	return nil
}
