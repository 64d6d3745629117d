package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/streampull-go/pkg/subscriber"
)

// Config is the CLI configuration file.
type Config struct {
	Endpoint     string `yaml:"endpoint"`
	Subscription string `yaml:"subscription"`
	ClientID     string `yaml:"client_id"`
	Secret       string `yaml:"secret"`
	Development  bool   `yaml:"development"`

	AckDeadline          time.Duration `yaml:"ack_deadline"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	NumWorkers           int           `yaml:"num_workers"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	FlowControl subscriber.FlowControl `yaml:"flow_control"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Subscription == "" {
		return subscriber.ErrEmptySubscription
	}
	if c.Endpoint == "" && os.Getenv(emulatorHostEnv) == "" {
		return errors.New("endpoint is required unless " + emulatorHostEnv + " is set")
	}
	fc := c.FlowControl
	if fc.MaxOutstandingMessages == 0 {
		fc.MaxOutstandingMessages = subscriber.DefaultMaxOutstandingMessages
	}
	return fc.Validate()
}

// SetDefaults sets sensible default values for unset configuration fields.
// A zero byte budget means the default here, not uncapped.
func (c *Config) SetDefaults() {
	if c.FlowControl.MaxOutstandingMessages == 0 {
		c.FlowControl.MaxOutstandingMessages = subscriber.DefaultMaxOutstandingMessages
	}
	if c.FlowControl.MaxOutstandingBytes == 0 {
		c.FlowControl.MaxOutstandingBytes = subscriber.DefaultMaxOutstandingBytes
	}
}
