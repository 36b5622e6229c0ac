// Package config holds the core's configuration surface: a plain data
// struct plus YAML loading and validation. Environment-variable parsing
// and CLI flag binding are a cmd-level concern, not the core's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of values the Ingestion Manager and its
// Supervisors need to run (spec §6).
type Config struct {
	DatabaseURL          string        `yaml:"database_url"`
	MirrorBaseURL        string        `yaml:"mirror_base_url"`
	PushBaseURL          string        `yaml:"push_base_url"`
	NetworkID            string        `yaml:"network_id"` // e.g. "mainnet", "testnet"
	SeedTopicIDs         []string      `yaml:"seed_topic_ids"`
	BackfillPageSize     int           `yaml:"backfill_page_size"`
	PollInterval         time.Duration `yaml:"poll_interval"`          // default 5s, min 1s
	BackfillInterPageGap time.Duration `yaml:"backfill_inter_page_gap"` // default 100ms
	MaxBackoff           time.Duration `yaml:"max_backoff"`           // default 60s
	LogLevel             string        `yaml:"log_level"`             // zerolog level name

	// QuarantineAfterAttempts: consecutive projection failures for the same
	// message before it is set aside instead of retried forever. 0 disables
	// quarantine (the default): a message is retried on every reconnect pass
	// until it succeeds or an operator intervenes.
	QuarantineAfterAttempts int `yaml:"quarantine_after_attempts"`

	// ShutdownTimeout bounds how long the Ingestion Manager waits for
	// in-flight work to finish during Stop before returning anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Defaults applies the documented defaults to zero-valued fields, and to
// out-of-range ones (a negative value, or a PollInterval under 1s).
func (c *Config) Defaults() {
	if c.BackfillPageSize <= 0 {
		c.BackfillPageSize = 100
	}
	if c.PollInterval < time.Second {
		c.PollInterval = 5 * time.Second
	}
	if c.BackfillInterPageGap <= 0 {
		c.BackfillInterPageGap = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the fields that have no sane default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.MirrorBaseURL == "" {
		return fmt.Errorf("mirror_base_url is required")
	}
	if c.PushBaseURL == "" {
		return fmt.Errorf("push_base_url is required")
	}
	if c.QuarantineAfterAttempts < 0 {
		return fmt.Errorf("quarantine_after_attempts cannot be negative, got %d", c.QuarantineAfterAttempts)
	}
	return nil
}

// Load reads a YAML config file, fills in defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
