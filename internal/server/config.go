// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the collaboration hub.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/nyaruka/ezconf"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is our top level configuration object
type Config struct {
	Address        string `help:"the network interface address the hub will bind to"`
	Port           int    `help:"the port the hub will listen on"`
	AllowedOrigins string `help:"comma separated origins allowed to open sockets, * allows any"`
	JWTSecret      string `help:"the shared secret used to verify socket bearer tokens"`

	MaxMessageSize         int `help:"the maximum size in bytes of an inbound frame"`
	SendBufferSize         int `help:"the number of outbound envelopes queued per connection"`
	RateLimitBurst         int `help:"the number of inbound frames a connection may send per refill period"`
	RateLimitRefillSeconds int `help:"the seconds over which the inbound burst is refilled"`

	HeartbeatInterval int `help:"the seconds between liveness probes"`
	HeartbeatTimeout  int `help:"the seconds of silence after which a connection is evicted"`
	ShutdownTimeout   int `help:"the seconds to wait for connections to drain on shutdown"`

	RedisURL     string `help:"the redis URL hub events are published to, empty disables publishing"`
	RedisChannel string `help:"the redis channel hub events are published on"`

	SentryDSN string `help:"the DSN used for logging errors to Sentry"`
	LogLevel  string `help:"the logging level the hub should use"`
	Version   string `help:"the version reported by diagnostics endpoints"`
}

// NewConfig returns a new default configuration object
func NewConfig() *Config {
	return &Config{
		Address:                "",
		Port:                   8080,
		AllowedOrigins:         "http://localhost:8080,http://localhost:3000",
		MaxMessageSize:         64 * 1024,
		SendBufferSize:         256,
		RateLimitBurst:         30,
		RateLimitRefillSeconds: 1,
		HeartbeatInterval:      30,
		HeartbeatTimeout:       60,
		ShutdownTimeout:        10,
		RedisChannel:           "collabhub:events",
		LogLevel:               "info",
		Version:                "Dev",
	}
}

// LoadConfig loads our configuration from the passed in filename, the
// environment and the command line.
func LoadConfig(filename string) *Config {
	config := NewConfig()
	loader := ezconf.NewLoader(
		config,
		"collabhub", "Collabhub - real-time collaboration hub for lab rooms",
		[]string{filename},
	)

	loader.MustLoad()
	return config
}

// Validate checks the configuration for values the hub cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "port %d out of range", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max message size must be positive")
	}
	if c.SendBufferSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "send buffer size must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.Wrapf(ErrInvalidConfig, "heartbeat timeout %ds must exceed interval %ds", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Origins splits AllowedOrigins into its trimmed, non-empty parts.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func (c *Config) heartbeatInterval() time.Duration {
	return secondsOr(c.HeartbeatInterval, 30)
}

func (c *Config) heartbeatTimeout() time.Duration {
	return secondsOr(c.HeartbeatTimeout, 60)
}

func (c *Config) rateLimitRefill() time.Duration {
	return secondsOr(c.RateLimitRefillSeconds, 1)
}

// ShutdownDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownDuration() time.Duration {
	return secondsOr(c.ShutdownTimeout, 10)
}

func (c *Config) maxMessageSize() int64 {
	if c.MaxMessageSize <= 0 {
		return 64 * 1024
	}
	return int64(c.MaxMessageSize)
}

func (c *Config) sendBufferSize() int {
	if c.SendBufferSize <= 0 {
		return 256
	}
	return c.SendBufferSize
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
