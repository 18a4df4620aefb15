// Package config defines the Steward application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Provider types accepted in the provider section.
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
)

// Planner policies accepted in the planner section.
const (
	PolicySingle = "single"
	PolicyFull   = "full"
)

// API key environment variables, checked in order when provider.api_key is
// empty.
var apiKeyEnv = []string{"STEWARD_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// Config is the top-level Steward configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Agents    []AgentConfig   `json:"agents" yaml:"agents"`
	Provider  ProviderConfig  `json:"provider" yaml:"provider"`
	Planner   PlannerConfig   `json:"planner" yaml:"planner"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // plain text or bcrypt hash
}

// AgentConfig defines a single agent's configuration.
type AgentConfig struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Role         string   `json:"role" yaml:"role"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Channels     []string `json:"channels" yaml:"channels"`
	IsLead       bool     `json:"is_lead,omitempty" yaml:"is_lead"`
}

// ProviderConfig selects the language model backend shared by every agent.
type ProviderConfig struct {
	Type      string `json:"type" yaml:"type"` // "mock" or "anthropic"
	Model     string `json:"model,omitempty" yaml:"model"`
	APIKey    string `json:"-" yaml:"api_key"`
	MaxTokens int64  `json:"max_tokens,omitempty" yaml:"max_tokens"`
	// Responses are the scripted replies of the mock provider.
	Responses []string `json:"responses,omitempty" yaml:"responses"`
}

// PlannerConfig selects the planning policy.
type PlannerConfig struct {
	Policy   string `json:"policy" yaml:"policy"` // "single" or "full"
	MaxSteps int    `json:"max_steps" yaml:"max_steps"`
}

// SchedulerConfig controls the periodic recurring/overdue task check.
type SchedulerConfig struct {
	Spec     string `json:"spec" yaml:"spec"` // cron spec, e.g. "@every 1m"
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Provider: ProviderConfig{
			Type: ProviderMock,
		},
		Planner: PlannerConfig{
			Policy:   PolicySingle,
			MaxSteps: 25,
		},
		Scheduler: SchedulerConfig{
			Spec: "@every 1m",
		},
		DataDir:  "./data",
		LogLevel: "info",
		Agents: []AgentConfig{
			{
				ID:           "lead",
				Name:         "Lead",
				Role:         "orchestrator",
				SystemPrompt: "You are the lead agent. You plan work, delegate tasks to team members, and make sure every request is seen through.",
				Channels:     []string{"general"},
				IsLead:       true,
			},
		},
	}
}

// Load reads a YAML config file over the defaults, fills the API key from
// the environment when it is missing, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv fills settings that may come from the environment.
func (c *Config) ApplyEnv() {
	if c.Provider.APIKey != "" {
		return
	}
	for _, key := range apiKeyEnv {
		if v := os.Getenv(key); v != "" {
			c.Provider.APIKey = v
			return
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Type {
	case ProviderMock:
	case ProviderAnthropic:
		if c.Provider.APIKey == "" {
			errs = append(errs, fmt.Errorf("provider anthropic: api_key is required (or set %s)", apiKeyEnv[0]))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", c.Provider.Type))
	}
	switch c.Planner.Policy {
	case "", PolicySingle, PolicyFull:
	default:
		errs = append(errs, fmt.Errorf("unknown planner policy %q", c.Planner.Policy))
	}
	if c.Planner.MaxSteps < 0 {
		errs = append(errs, errors.New("planner max_steps must not be negative"))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent %d: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate id", a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

// DatabasePath returns the location of the task database under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "steward.db")
}
