// Package config provides configuration loading and management for decree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" decode.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete decree configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Provider  ProviderConfig  `yaml:"provider"`
	Agents    AgentsConfig    `yaml:"agents"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RepoConfig configures the repository settings
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty)
	Path string `yaml:"path"`
	// DefaultBranch is the branch worktrees and diffs are based on
	DefaultBranch string `yaml:"default_branch"`
	// SpecsDir is the repo-relative directory holding spec documents
	SpecsDir string `yaml:"specs_dir"`
}

// ProviderConfig configures the work provider connection
type ProviderConfig struct {
	// Name selects the work provider implementation
	Name string `yaml:"name"`
	// Token is the provider API credential. Prefer the DECREE_PROVIDER_TOKEN
	// environment variable over committing this to a file.
	Token string `yaml:"token"`
	// BaseURL overrides the provider API endpoint for self-hosted setups
	BaseURL string `yaml:"base_url"`
	// Repository is the provider-side repository identifier (owner/name)
	Repository string `yaml:"repository"`
}

// AgentsConfig configures agent dispatch
type AgentsConfig struct {
	// SessionProvider selects the registered agent session provider
	SessionProvider string `yaml:"session_provider"`
	// MaxDuration bounds a single agent run (0 = no timeout)
	MaxDuration Duration `yaml:"max_duration"`
	// LogDir enables per-session log files when set
	LogDir string `yaml:"log_dir"`
	// ContextPaths are repo-relative files appended to every system prompt
	ContextPaths []string `yaml:"context_paths"`
	// SetupCommand installs dependencies in fresh implementor worktrees
	SetupCommand []string `yaml:"setup_command"`
}

// ReconcileConfig configures the provider pollers
type ReconcileConfig struct {
	// FastInterval drives the revision and spec pollers
	FastInterval Duration `yaml:"fast_interval"`
	// SlowInterval drives the work-item poller
	SlowInterval Duration `yaml:"slow_interval"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Path:          "", // Auto-detect
			DefaultBranch: "main",
			SpecsDir:      "specs",
		},
		Agents: AgentsConfig{
			SessionProvider: "claude",
			MaxDuration:     Duration(30 * time.Minute),
			LogDir:          ".decree/logs",
		},
		Reconcile: ReconcileConfig{
			FastInterval: Duration(5 * time.Second),
			SlowInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Repo.DefaultBranch == "" {
		return fmt.Errorf("repo.default_branch is required")
	}
	if c.Repo.SpecsDir == "" {
		return fmt.Errorf("repo.specs_dir is required")
	}
	if c.Agents.SessionProvider == "" {
		return fmt.Errorf("agents.session_provider is required")
	}
	if c.Agents.MaxDuration < 0 {
		return fmt.Errorf("agents.max_duration must not be negative")
	}
	if c.Reconcile.FastInterval <= 0 {
		return fmt.Errorf("reconcile.fast_interval must be positive")
	}
	if c.Reconcile.SlowInterval <= 0 {
		return fmt.Errorf("reconcile.slow_interval must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Repo
	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}
	if other.Repo.DefaultBranch != "" {
		c.Repo.DefaultBranch = other.Repo.DefaultBranch
	}
	if other.Repo.SpecsDir != "" {
		c.Repo.SpecsDir = other.Repo.SpecsDir
	}

	// Provider
	if other.Provider.Name != "" {
		c.Provider.Name = other.Provider.Name
	}
	if other.Provider.Token != "" {
		c.Provider.Token = other.Provider.Token
	}
	if other.Provider.BaseURL != "" {
		c.Provider.BaseURL = other.Provider.BaseURL
	}
	if other.Provider.Repository != "" {
		c.Provider.Repository = other.Provider.Repository
	}

	// Agents
	if other.Agents.SessionProvider != "" {
		c.Agents.SessionProvider = other.Agents.SessionProvider
	}
	if other.Agents.MaxDuration != 0 {
		c.Agents.MaxDuration = other.Agents.MaxDuration
	}
	if other.Agents.LogDir != "" {
		c.Agents.LogDir = other.Agents.LogDir
	}
	if len(other.Agents.ContextPaths) > 0 {
		c.Agents.ContextPaths = other.Agents.ContextPaths
	}
	if len(other.Agents.SetupCommand) > 0 {
		c.Agents.SetupCommand = other.Agents.SetupCommand
	}

	// Reconcile
	if other.Reconcile.FastInterval != 0 {
		c.Reconcile.FastInterval = other.Reconcile.FastInterval
	}
	if other.Reconcile.SlowInterval != 0 {
		c.Reconcile.SlowInterval = other.Reconcile.SlowInterval
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
