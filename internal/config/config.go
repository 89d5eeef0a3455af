package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models clipline.yml. It is loaded once and passed by value into
// the engine; nothing mutates it after Validate.
type Config struct {
	Leases struct {
		DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
		MaxTTLSeconds     int `yaml:"max_ttl_seconds"`
	} `yaml:"leases"`
	Assignment struct {
		Roles []string `yaml:"roles"`
	} `yaml:"assignment"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Leases.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config.leases.default_ttl_seconds must be positive")
	}
	if c.Leases.MaxTTLSeconds < c.Leases.DefaultTTLSeconds {
		return fmt.Errorf("config.leases.max_ttl_seconds must be >= default_ttl_seconds")
	}
	if len(c.Assignment.Roles) == 0 {
		return fmt.Errorf("config.assignment.roles is required")
	}
	seen := map[string]bool{}
	for _, role := range c.Assignment.Roles {
		if role == "" {
			return fmt.Errorf("config.assignment.roles contains empty role id")
		}
		if seen[role] {
			return fmt.Errorf("config.assignment.roles contains duplicate role %s", role)
		}
		seen[role] = true
	}
	return nil
}

// HasRole reports whether role belongs to the configured role set.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Assignment.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clipline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `leases:
  default_ttl_seconds: 3600
  max_ttl_seconds: 86400

assignment:
  roles: [scriptwriter, editor, poster]
`
