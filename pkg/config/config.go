// Package config holds application-level configuration for the BLE
// session core: logging, operation timeouts and notification buffering.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleq/pkg/session"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds application configuration
type Config struct {
	LogLevel           string   `yaml:"log_level" default:"info"`
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	OperationTimeout   Duration `yaml:"operation_timeout"`
	NotificationBuffer int      `yaml:"notification_buffer" default:"128"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	// Durations carry a custom YAML type the defaults filler cannot
	// parse, so they are set explicitly.
	cfg.ConnectTimeout = Duration(30 * time.Second)
	cfg.OperationTimeout = Duration(10 * time.Second)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionOptions converts the config into session options.
func (c *Config) SessionOptions() *session.Options {
	return &session.Options{
		ConnectTimeout:     time.Duration(c.ConnectTimeout),
		OperationTimeout:   time.Duration(c.OperationTimeout),
		NotificationBuffer: c.NotificationBuffer,
	}
}
