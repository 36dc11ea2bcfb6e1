// Package config handles configuration loading for drover.
// The main config comes from viper (defaults, optional config file,
// DROVER_* environment variables); the provider list comes from a
// separate providers.yaml whose entry order defines failover priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a drover run.
type Config struct {
	Repo   string       `mapstructure:"repo"`
	Claims ClaimsConfig `mapstructure:"claims"`
	Run    RunConfig    `mapstructure:"run"`
	Git    GitConfig    `mapstructure:"git"`
	GitHub GitHubConfig `mapstructure:"github"`
}

// ClaimsConfig holds claim store settings.
type ClaimsConfig struct {
	// TTL is the claim lease duration.
	TTL time.Duration `mapstructure:"ttl"`
	// DeprioritizeThreshold is the failure count at which an issue is
	// demoted in claim ordering.
	DeprioritizeThreshold int `mapstructure:"deprioritize_threshold"`
}

// RunConfig holds session orchestration settings.
type RunConfig struct {
	// Concurrency is the number of parallel sessions per round.
	Concurrency int `mapstructure:"concurrency"`
	// MaxRounds bounds the number of rounds (0 = unlimited).
	MaxRounds int `mapstructure:"max_rounds"`
	// EmptyRoundThreshold is how many consecutive all-empty rounds
	// trigger graceful termination.
	EmptyRoundThreshold int `mapstructure:"empty_round_threshold"`
}

// GitConfig holds git serializer settings.
type GitConfig struct {
	// Branch is the branch commits are pushed to.
	Branch string `mapstructure:"branch"`
	// AutoPush disables pushing when false (commit only).
	AutoPush bool `mapstructure:"auto_push"`
}

// GitHubConfig holds issue tracker settings.
type GitHubConfig struct {
	// Token authenticates tracker API calls; falls back to GITHUB_TOKEN.
	Token string `mapstructure:"token"`
}

// Load reads configuration from ~/.config/drover/config.yaml (if
// present), a project-local .drover/config.yaml override, and DROVER_*
// environment variables, over the built-in defaults.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Project-local override wins over the user config.
	projectConfig := filepath.Join(projectDir, ".drover", "config.yaml")
	if _, err := os.Stat(projectConfig); err == nil {
		v.SetConfigFile(projectConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register keys so DROVER_* env vars bind to them.
	v.SetDefault("repo", "")
	v.SetDefault("github.token", "")
	v.SetDefault("claims.ttl", 30*time.Minute)
	v.SetDefault("claims.deprioritize_threshold", 3)
	v.SetDefault("run.concurrency", 3)
	v.SetDefault("run.max_rounds", 0)
	v.SetDefault("run.empty_round_threshold", 3)
	v.SetDefault("git.branch", "main")
	v.SetDefault("git.auto_push", true)
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "drover")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "drover")
}
