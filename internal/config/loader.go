package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding the configuration file
const (
	EnvHost      = "DZPLUGIN_HOST"
	EnvToken     = "DZPLUGIN_TOKEN"
	EnvLogLevel  = "DZPLUGIN_LOG_LEVEL"
	EnvLogFormat = "DZPLUGIN_LOG_FORMAT"
	EnvRelayAddr = "DZPLUGIN_RELAY_ADDR"
)

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string
	// Getenv reads environment variables; nil uses os.Getenv.
	Getenv func(string) string
}

// Load loads the defaults, then the file at opts.Path if set, then the
// environment, and validates the result.
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Getenv == nil {
		options.Getenv = os.Getenv
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg, options.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config, getenv func(string) string) {
	if host := getenv(EnvHost); host != "" {
		cfg.Host.Address = host
	}
	if token := getenv(EnvToken); token != "" {
		cfg.Host.Token = token
	}

	if level := getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if format := getenv(EnvLogFormat); format != "" {
		cfg.Logging.Format = format
	}

	if addr := getenv(EnvRelayAddr); addr != "" {
		cfg.Relay.Addr = addr
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
