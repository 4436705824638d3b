// Package config holds the runtime configuration: logging, discovery
// timing and backoff tuning. Values load from YAML over tagged defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// AcceptWorkers bounds concurrent accept loops.
	AcceptWorkers int `yaml:"accept_workers" default:"5"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Backoff   BackoffConfig   `yaml:"backoff"`
}

// DiscoveryConfig tunes the scanning side.
type DiscoveryConfig struct {
	// PeripheralLostTimeout is the interval of the passive lost sweep; a
	// peripheral not re-sighted for two sweeps is reported lost.
	PeripheralLostTimeout time.Duration `yaml:"peripheral_lost_timeout" default:"3s"`
}

// BackoffConfig tunes GATT advertisement-read retries.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base" default:"1s"`
	Max        time.Duration `yaml:"max" default:"5m"`
	Multiplier float64       `yaml:"multiplier" default:"2.0"`
}

// New returns a Config populated with defaults.
func New() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path yields
// pure defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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
