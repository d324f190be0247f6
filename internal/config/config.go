package config

import (
	"strings"
	"time"

	"github.com/HMasataka/dzplugin/internal/logging"
)

// Config represents the configuration of a plugin binary
type Config struct {
	Host    HostConfig     `json:"host" yaml:"host"`
	Relay   RelayConfig    `json:"relay" yaml:"relay"`
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// HostConfig describes the chat host a plugin connects to
type HostConfig struct {
	Address     string        `json:"address" yaml:"address"`
	Token       string        `json:"token" yaml:"token"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// RelayConfig represents the HTTP side of the relay
type RelayConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Pattern      string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	PostTimeout  time.Duration `json:"post_timeout" yaml:"post_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Address:     "localhost:5556",
			DialTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			Addr:         ":3000",
			PostTimeout:  10 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host.Address) == "" {
		return NewConfigError("host.address", "host address is required")
	}

	if c.Host.Token == "" {
		return NewConfigError("host.token", "token is required")
	}

	if c.Host.DialTimeout < 0 {
		return NewConfigError("host.dial_timeout", "timeout cannot be negative")
	}

	if c.Relay.PostTimeout < 0 {
		return NewConfigError("relay.post_timeout", "timeout cannot be negative")
	}

	if c.Relay.ReadTimeout < 0 {
		return NewConfigError("relay.read_timeout", "timeout cannot be negative")
	}

	if c.Relay.WriteTimeout < 0 {
		return NewConfigError("relay.write_timeout", "timeout cannot be negative")
	}

	if !logging.ValidFormat(c.Logging.Format) {
		return NewConfigError("logging.format", "format must be json, text or pretty")
	}

	return nil
}
