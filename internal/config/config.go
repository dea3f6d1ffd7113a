// Package config handles configuration loading and management for Phalanx.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Phalanx.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Intervals   IntervalsConfig   `mapstructure:"intervals"`
	Swarm       SwarmConfig       `mapstructure:"swarm"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (env ANTHROPIC_API_KEY wins).
	APIKey string `mapstructure:"api_key"`
	// Model is the default model for agent sessions.
	Model string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
}

// ConcurrencyConfig bounds parallel agent execution.
type ConcurrencyConfig struct {
	// MaxAgents is the maximum number of concurrently running agents.
	// Zero or negative means unbounded.
	MaxAgents int `mapstructure:"max_agents"`
}

// TimeoutsConfig holds the orchestration timeouts.
type TimeoutsConfig struct {
	// DependencyWait bounds how long an agent waits for its dependencies.
	// Only active (non-paused) time counts against it.
	DependencyWait time.Duration `mapstructure:"dependency_wait"`
	// Pause bounds how long an agent may stay paused (wall clock).
	Pause time.Duration `mapstructure:"pause"`
	// Approval bounds how long a phase waits for human approval.
	Approval time.Duration `mapstructure:"approval"`
	// SwarmTask bounds a single swarm task's runtime turn.
	SwarmTask time.Duration `mapstructure:"swarm_task"`
}

// IntervalsConfig holds the polling and backoff intervals.
type IntervalsConfig struct {
	// DependencyPoll is the dependency-wait polling interval.
	DependencyPoll time.Duration `mapstructure:"dependency_poll"`
	// SlotPoll is the concurrency-slot polling interval.
	SlotPoll time.Duration `mapstructure:"slot_poll"`
	// SwarmBackoff is the requeue backoff in the swarm work loop.
	SwarmBackoff time.Duration `mapstructure:"swarm_backoff"`
}

// SwarmConfig holds swarm-mode settings.
type SwarmConfig struct {
	// MaxWorkers caps the number of parallel worktree workers.
	MaxWorkers int `mapstructure:"max_workers"`
	// FailureThreshold is the failed-task ratio that trips the circuit
	// breaker (0.5 = more than half).
	FailureThreshold float64 `mapstructure:"failure_threshold"`
	// DeleteBranches removes worker and staging branches on cleanup.
	DeleteBranches bool `mapstructure:"delete_branches"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//  1. Environment variables (PHALANX_*, ANTHROPIC_API_KEY)
//  2. Project config (.phalanx/config.yaml in current directory or parent)
//  3. User config (~/.config/phalanx/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PHALANX")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Default returns a Config with built-in default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5-20250929",
		},
		Concurrency: ConcurrencyConfig{MaxAgents: 3},
		Timeouts: TimeoutsConfig{
			DependencyWait: 10 * time.Minute,
			Pause:          5 * time.Minute,
			Approval:       30 * time.Minute,
			SwarmTask:      15 * time.Minute,
		},
		Intervals: IntervalsConfig{
			DependencyPoll: 500 * time.Millisecond,
			SlotPoll:       250 * time.Millisecond,
			SwarmBackoff:   time.Second,
		},
		Swarm: SwarmConfig{
			MaxWorkers:       3,
			FailureThreshold: 0.5,
		},
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("concurrency.max_agents", d.Concurrency.MaxAgents)

	v.SetDefault("timeouts.dependency_wait", d.Timeouts.DependencyWait.String())
	v.SetDefault("timeouts.pause", d.Timeouts.Pause.String())
	v.SetDefault("timeouts.approval", d.Timeouts.Approval.String())
	v.SetDefault("timeouts.swarm_task", d.Timeouts.SwarmTask.String())

	v.SetDefault("intervals.dependency_poll", d.Intervals.DependencyPoll.String())
	v.SetDefault("intervals.slot_poll", d.Intervals.SlotPoll.String())
	v.SetDefault("intervals.swarm_backoff", d.Intervals.SwarmBackoff.String())

	v.SetDefault("swarm.max_workers", d.Swarm.MaxWorkers)
	v.SetDefault("swarm.failure_threshold", d.Swarm.FailureThreshold)
	v.SetDefault("swarm.delete_branches", false)
}

// getUserConfigDir returns the XDG config directory for Phalanx.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "phalanx")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "phalanx")
	}
	return filepath.Join(home, ".config", "phalanx")
}

// findProjectConfig searches for .phalanx/config.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".phalanx", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
