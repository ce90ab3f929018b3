// Package config handles configuration loading and management for quarry.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for quarry.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig holds webhook server settings.
type ServerConfig struct {
	// Addr is the listen address for the webhook server.
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `mapstructure:"path"`
}

// RedisConfig holds Redis settings for the webhook rate limiter.
type RedisConfig struct {
	// Addr is the Redis address. Empty disables the rate limiter.
	Addr string `mapstructure:"addr"`
}

// RateLimitConfig holds per-source webhook rate limit settings.
type RateLimitConfig struct {
	// Requests is the allowed number of requests per window.
	Requests int `mapstructure:"requests"`
	// Window is the fixed rate-limit window.
	Window time.Duration `mapstructure:"window"`
}

// WebhookConfig holds webhook intake settings.
type WebhookConfig struct {
	// SecretName is the secret name resolved to the HMAC signing key.
	SecretName string `mapstructure:"secret_name"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Model overrides the default model when set.
	Model string `mapstructure:"model"`
	// UseAWSBedrock routes brain calls through AWS Bedrock.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the AWS shared-config profile.
	AWSProfile string `mapstructure:"aws_profile"`
}

// WorkspaceConfig holds workspace runner settings.
type WorkspaceConfig struct {
	// BaseDir is where isolated working areas are created.
	BaseDir string `mapstructure:"base_dir"`
}

// SecretsConfig holds secret resolution settings.
type SecretsConfig struct {
	// File is an optional YAML file mapping secret names to values.
	// Environment resolution is always active.
	File string `mapstructure:"file"`
}

// AgentConfig holds agent worker settings.
type AgentConfig struct {
	// PollInterval is how often an idle worker re-checks the queue.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ExecuteTimeout bounds one item's planning plus execution.
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`
	// StaleLeaseAge is how old a lease must be before the sweeper
	// releases it.
	StaleLeaseAge time.Duration `mapstructure:"stale_lease_age"`
	// LogPath is the debug log file path. Empty disables debug logging.
	LogPath string `mapstructure:"log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (QUARRY_*, ANTHROPIC_API_KEY)
// 2. Project config (.quarry.yaml in current directory or parent)
// 3. User config (~/.config/quarry/config.yaml)
// 4. Built-in defaults
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

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QUARRY")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("server.addr", "QUARRY_SERVER_ADDR")
	v.BindEnv("database.path", "QUARRY_DB_PATH")
	v.BindEnv("redis.addr", "QUARRY_REDIS_ADDR")
	v.BindEnv("secrets.file", "QUARRY_SECRETS_FILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

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

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("database.path", defaultDatabasePath())

	v.SetDefault("redis.addr", "")
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("webhook.secret_name", "webhook-hmac")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("workspace.base_dir", "")

	v.SetDefault("secrets.file", "")

	v.SetDefault("agent.poll_interval", "5s")
	v.SetDefault("agent.execute_timeout", "10m")
	v.SetDefault("agent.stale_lease_age", "30m")
	v.SetDefault("agent.log_path", "")
}

// defaultDatabasePath returns the XDG data path for the database.
func defaultDatabasePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "quarry", "quarry.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "quarry.db")
	}
	return filepath.Join(home, ".local", "share", "quarry", "quarry.db")
}

// getUserConfigDir returns the XDG config directory for quarry.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quarry")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "quarry")
	}
	return filepath.Join(home, ".config", "quarry")
}

// findProjectConfig searches for .quarry.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".quarry.yaml")
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}
