package proxy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures a Proxy: yaml.v3 tags, a Load(filename) constructor,
// and post-unmarshal defaulting and validation covering the proxy's
// admission, serialization, and protocol knobs.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	MaxMessageSizeBytes int `yaml:"max_message_size_bytes"`

	DefaultCallTimeoutMS int `yaml:"default_call_timeout_ms"`
	UploadTimeoutMS      int `yaml:"upload_timeout_ms"`

	SweepIntervalMS int `yaml:"sweep_interval_ms"`

	ProtocolVersion int    `yaml:"protocol_version"`
	Serializer      string `yaml:"default_serializer_id"`
}

// Load reads and parses a YAML config file, then applies defaults and
// validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentCalls == 0 {
		c.MaxConcurrentCalls = 64
	}
	if c.MaxMessageSizeBytes == 0 {
		c.MaxMessageSizeBytes = 1 << 20 // 1 MiB
	}
	if c.DefaultCallTimeoutMS == 0 {
		c.DefaultCallTimeoutMS = 30_000
	}
	if c.UploadTimeoutMS == 0 {
		c.UploadTimeoutMS = 60_000
	}
	if c.SweepIntervalMS == 0 {
		c.SweepIntervalMS = 10_000
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.Serializer == "" {
		c.Serializer = "json"
	}
}

// Validate rejects configurations that would break the proxy's
// concurrency invariants (a non-positive permit count admits everything
// or nothing in a way no caller could reason about).
func (c *Config) Validate() error {
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("proxy: max_concurrent_calls must be >= 1, got %d", c.MaxConcurrentCalls)
	}
	if c.MaxMessageSizeBytes < 1 {
		return fmt.Errorf("proxy: max_message_size_bytes must be >= 1, got %d", c.MaxMessageSizeBytes)
	}
	if c.DefaultCallTimeoutMS < 1 {
		return fmt.Errorf("proxy: default_call_timeout_ms must be >= 1, got %d", c.DefaultCallTimeoutMS)
	}
	if c.UploadTimeoutMS < 1 {
		return fmt.Errorf("proxy: upload_timeout_ms must be >= 1, got %d", c.UploadTimeoutMS)
	}
	if c.SweepIntervalMS < 1 {
		return fmt.Errorf("proxy: sweep_interval_ms must be >= 1, got %d", c.SweepIntervalMS)
	}
	return nil
}

func (c *Config) sweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c *Config) defaultCallTimeout() time.Duration {
	return time.Duration(c.DefaultCallTimeoutMS) * time.Millisecond
}

func (c *Config) uploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutMS) * time.Millisecond
}
