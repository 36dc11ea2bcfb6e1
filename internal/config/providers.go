package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ProvidersFileName is the provider config file looked up in the
// project's .drover directory.
const ProvidersFileName = "providers.yaml"

// ProviderEntry configures one execution backend.
type ProviderEntry struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`
	// Model is the model identifier for SDK-backed providers.
	Model string `yaml:"model,omitempty"`
	// Command and Args configure subprocess-backed providers.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	// MaxTurns bounds the agent loop for SDK-backed providers.
	MaxTurns int `yaml:"max_turns,omitempty"`
	// UseBedrock routes the claude provider through AWS Bedrock.
	UseBedrock bool   `yaml:"use_bedrock,omitempty"`
	AWSRegion  string `yaml:"aws_region,omitempty"`
}

// FailoverConfig controls pool failover behavior.
type FailoverConfig struct {
	Enabled         bool `yaml:"enabled"`
	TimeoutSeconds  int  `yaml:"timeout_seconds"`
	MaxRetries      int  `yaml:"max_retries"`
	CooldownSeconds int  `yaml:"cooldown_seconds"`
}

// Cooldown returns the cooldown as a duration.
func (f FailoverConfig) Cooldown() time.Duration {
	return time.Duration(f.CooldownSeconds) * time.Second
}

// Timeout returns the per-execution timeout as a duration.
func (f FailoverConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ProvidersConfig is the full provider configuration.
type ProvidersConfig struct {
	Providers []ProviderEntry `yaml:"providers"`
	Failover  FailoverConfig  `yaml:"failover"`
}

// DefaultProviders returns the single-provider fallback used when no
// providers.yaml exists: claude only, failover disabled.
func DefaultProviders() *ProvidersConfig {
	return &ProvidersConfig{
		Providers: []ProviderEntry{
			{Name: "claude", Enabled: true, Priority: 1, MaxTurns: 50},
		},
		Failover: FailoverConfig{
			Enabled:         false,
			TimeoutSeconds:  300,
			MaxRetries:      3,
			CooldownSeconds: 300,
		},
	}
}

// LoadProviders reads the provider config from the project directory,
// falling back to DefaultProviders when the file is absent. Entries
// are sorted by priority (ties keep file order).
func LoadProviders(projectDir string) (*ProvidersConfig, error) {
	path := filepath.Join(projectDir, ".drover", ProvidersFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProviders(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("%s: no providers configured", path)
	}
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("%s: provider %d has no name", path, i)
		}
	}

	if cfg.Failover.MaxRetries == 0 {
		cfg.Failover.MaxRetries = 3
	}
	if cfg.Failover.CooldownSeconds == 0 {
		cfg.Failover.CooldownSeconds = 300
	}
	if cfg.Failover.TimeoutSeconds == 0 {
		cfg.Failover.TimeoutSeconds = 300
	}

	sort.SliceStable(cfg.Providers, func(a, b int) bool {
		return cfg.Providers[a].Priority < cfg.Providers[b].Priority
	})
	return &cfg, nil
}

// Enabled returns only the enabled entries, in priority order.
func (c *ProvidersConfig) Enabled() []ProviderEntry {
	var out []ProviderEntry
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
