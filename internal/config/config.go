package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models statetrail.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Cache struct {
		TTLSeconds int `yaml:"ttl_seconds"`
		Size       int `yaml:"size"`
	} `yaml:"cache"`
	Auth struct {
		Disabled  bool   `yaml:"disabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	// StateManager selects a registered manager implementation. Empty means
	// the built-in one.
	StateManager string   `yaml:"state_manager"`
	Extensions   []string `yaml:"extensions"`
	Webhooks     struct {
		Targets             []string `yaml:"targets"`
		PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
		BatchSize           int      `yaml:"batch_size"`
	} `yaml:"webhooks"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with st config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config.cache.ttl_seconds must not be negative")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("config.cache.size must not be negative")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required unless auth is disabled")
	}
	for _, name := range c.Extensions {
		if name == "" {
			return fmt.Errorf("config.extensions contains an empty name")
		}
	}
	if c.Webhooks.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.webhooks.poll_interval_seconds must not be negative")
	}
	for _, target := range c.Webhooks.Targets {
		if target == "" {
			return fmt.Errorf("config.webhooks.targets contains an empty url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "statetrail.yml")
}

// Default returns the config used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = "127.0.0.1:8170"
	cfg.Server.BasePath = "/api/v1"
	cfg.Cache.TTLSeconds = 300
	cfg.Cache.Size = 4096
	cfg.Auth.Disabled = true
	cfg.Webhooks.PollIntervalSeconds = 5
	cfg.Webhooks.BatchSize = 100
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 4096
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for st config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: 127.0.0.1:8170
  base_path: /api/v1

cache:
  ttl_seconds: 300
  size: 4096

auth:
  disabled: true
  # jwt_secret: change-me

# state_manager: ""   # empty selects the built-in manager

extensions: []

webhooks:
  targets: []
  poll_interval_seconds: 5
  batch_size: 100
`
