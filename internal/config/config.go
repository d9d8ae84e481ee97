package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml.
type Config struct {
	Planning PlanningConfig `yaml:"planning"`
	Delegate DelegateConfig `yaml:"delegate"`
}

// PlanningConfig holds the numeric policy constants the planner must never
// hard-code: the capacity ceiling and the sprint sizing used to derive the
// horizon. Defaults mirror a 160-hour horizon with two-week sprints.
type PlanningConfig struct {
	DefaultCapacityHours float64 `yaml:"default_capacity_hours"`
	SprintHours          float64 `yaml:"sprint_hours"`
	SprintDays           int     `yaml:"sprint_days"`
	MaxTasks             int     `yaml:"max_tasks"`
}

type DelegateConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// Default returns the baseline configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Planning.DefaultCapacityHours = 160
	cfg.Planning.SprintHours = 80
	cfg.Planning.SprintDays = 14
	cfg.Planning.MaxTasks = 50
	cfg.Delegate.Provider = "gemini"
	cfg.Delegate.Model = "gemini-2.0-flash-exp"
	cfg.Delegate.APIKeyEnv = "PLANLINE_GEMINI_API_KEY"
	cfg.Delegate.TimeoutSeconds = 60
	cfg.Delegate.MaxTokens = 8192
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Planning.DefaultCapacityHours <= 0 {
		return fmt.Errorf("config.planning.default_capacity_hours must be > 0")
	}
	if c.Planning.SprintHours <= 0 {
		return fmt.Errorf("config.planning.sprint_hours must be > 0")
	}
	if c.Planning.SprintHours > c.Planning.DefaultCapacityHours {
		return fmt.Errorf("config.planning.sprint_hours cannot exceed default_capacity_hours")
	}
	if c.Planning.SprintDays <= 0 {
		return fmt.Errorf("config.planning.sprint_days must be > 0")
	}
	if c.Planning.MaxTasks <= 0 {
		return fmt.Errorf("config.planning.max_tasks must be > 0")
	}
	if c.Delegate.Provider == "" {
		return fmt.Errorf("config.delegate.provider is required")
	}
	if c.Delegate.Model == "" {
		return fmt.Errorf("config.delegate.model is required")
	}
	if c.Delegate.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.delegate.timeout_seconds must be > 0")
	}
	return nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// APIKey resolves the delegate API key from the configured environment
// variable. Empty when unset.
func (c *Config) APIKey() string {
	if c.Delegate.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Delegate.APIKeyEnv)
}
