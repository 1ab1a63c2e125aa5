package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models guardian.yml.
type Config struct {
	Ledger struct {
		// MaxMessageSize is the per-message payload limit of the consensus
		// service; larger payloads are chunked.
		MaxMessageSize int `yaml:"max_message_size"`
		RetryAttempts  int `yaml:"retry_attempts"`
		RetryDelayMS   int `yaml:"retry_delay_ms"`
		SyncScope      string `yaml:"sync_scope"`
		Compression    bool `yaml:"compression"`
	} `yaml:"ledger"`
	Scheduler struct {
		MaxInstances   int `yaml:"max_instances"`
		CooldownMS     int `yaml:"cooldown_ms"`
		PollIntervalMS int `yaml:"poll_interval_ms"`
	} `yaml:"scheduler"`
	Server struct {
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.MaxMessageSize <= 0 {
		return fmt.Errorf("config.ledger.max_message_size must be positive")
	}
	if c.Ledger.RetryAttempts <= 0 {
		return fmt.Errorf("config.ledger.retry_attempts must be positive")
	}
	if c.Ledger.RetryDelayMS < 0 {
		return fmt.Errorf("config.ledger.retry_delay_ms must not be negative")
	}
	if c.Ledger.SyncScope == "" {
		return fmt.Errorf("config.ledger.sync_scope is required")
	}
	if c.Scheduler.MaxInstances <= 0 {
		return fmt.Errorf("config.scheduler.max_instances must be positive")
	}
	if c.Scheduler.CooldownMS <= 0 {
		return fmt.Errorf("config.scheduler.cooldown_ms must be positive")
	}
	if c.Scheduler.PollIntervalMS <= 0 {
		return fmt.Errorf("config.scheduler.poll_interval_ms must be positive")
	}
	return nil
}

// RetryDelay returns the ledger retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Ledger.RetryDelayMS) * time.Millisecond
}

// Cooldown returns the scheduler respawn cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Scheduler.CooldownMS) * time.Millisecond
}

// PollInterval returns the scheduler poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guardian.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Ledger.MaxMessageSize = 1024
	cfg.Ledger.RetryAttempts = 10
	cfg.Ledger.RetryDelayMS = 1000
	cfg.Ledger.SyncScope = "policy"
	cfg.Ledger.Compression = true
	cfg.Scheduler.MaxInstances = 16
	cfg.Scheduler.CooldownMS = 10000
	cfg.Scheduler.PollIntervalMS = 2000
	cfg.Server.BasePath = "/v1"
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
