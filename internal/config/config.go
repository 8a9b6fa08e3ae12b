package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cloudwipe/internal/domain"
)

// Config models cloudwipe.yml.
type Config struct {
	Operator struct {
		ID          string `yaml:"id"`
		AppID       string `yaml:"app_id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"operator"`
	Endpoints struct {
		ResourceAPI  string `yaml:"resource_api"`
		DirectoryAPI string `yaml:"directory_api"`
		GraphAPI     string `yaml:"graph_api"`
		Token        string `yaml:"token"`
	} `yaml:"endpoints"`
	Limits struct {
		Concurrency          int `yaml:"concurrency"`
		ObjectTimeoutSeconds int `yaml:"object_timeout_seconds"`
		LockTTLSeconds       int `yaml:"lock_ttl_seconds"`
	} `yaml:"limits"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Operator.ID == "" {
		return fmt.Errorf("config.operator.id is required")
	}
	if !domain.ValidGUID(c.Operator.ID) {
		return fmt.Errorf("config.operator.id must be a GUID")
	}
	if c.Operator.AppID == "" {
		return fmt.Errorf("config.operator.app_id is required")
	}
	if !domain.ValidGUID(c.Operator.AppID) {
		return fmt.Errorf("config.operator.app_id must be a GUID")
	}
	if c.Endpoints.ResourceAPI == "" {
		return fmt.Errorf("config.endpoints.resource_api is required")
	}
	if c.Endpoints.DirectoryAPI == "" {
		return fmt.Errorf("config.endpoints.directory_api is required")
	}
	if c.Limits.Concurrency < 1 || c.Limits.Concurrency > 64 {
		return fmt.Errorf("config.limits.concurrency must be between 1 and 64")
	}
	if c.Limits.ObjectTimeoutSeconds < 1 {
		return fmt.Errorf("config.limits.object_timeout_seconds must be positive")
	}
	if c.Limits.LockTTLSeconds < 60 {
		return fmt.Errorf("config.limits.lock_ttl_seconds must be at least 60")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cloudwipe.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cw init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func applyDefaults(cfg *Config) {
	if cfg.Limits.Concurrency == 0 {
		cfg.Limits.Concurrency = 10
	}
	if cfg.Limits.ObjectTimeoutSeconds == 0 {
		cfg.Limits.ObjectTimeoutSeconds = 30
	}
	if cfg.Limits.LockTTLSeconds == 0 {
		cfg.Limits.LockTTLSeconds = 900
	}
	if cfg.Operator.DisplayName == "" {
		cfg.Operator.DisplayName = "cloudwipe-operator"
	}
}

// GenerateDefault returns default config YAML for cw init.
func GenerateDefault(operatorID, appID string) string {
	return fmt.Sprintf(defaultTemplate, operatorID, appID)
}

const defaultTemplate = `operator:
  id: %s
  app_id: %s
  display_name: cloudwipe-operator

endpoints:
  resource_api: https://management.example.net
  directory_api: https://directory.example.net
  graph_api: https://graph-mirror.example.net

limits:
  concurrency: 10
  object_timeout_seconds: 30
  lock_ttl_seconds: 900
`
