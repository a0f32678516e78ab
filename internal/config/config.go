// Package config holds the file-level service configuration and the
// runtime settings snapshot parsed from the system_config table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all slawatch configuration loaded at process start.
// Runtime tunables (intervals, thresholds, switches) live in the
// system_config table instead and are re-read every tick; see Settings.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir holds the SQLite database and log files.
	DataDir string `yaml:"data_dir"`

	Source  SourceConfig  `yaml:"source"`
	Notify  NotifyConfig  `yaml:"notify"`
	Advisor AdvisorConfig `yaml:"advisor"`
	Logging LoggingConfig `yaml:"logging"`
}

// SourceConfig configures the analytics source the fetcher queries.
type SourceConfig struct {
	BaseURL    string `yaml:"base_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DatabaseID int    `yaml:"database_id"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// NotifyConfig configures webhook dispatch.
type NotifyConfig struct {
	// EscalationWebhookURL receives every escalation message and any
	// reminder whose org has no configured group webhook.
	EscalationWebhookURL string `yaml:"escalation_webhook_url"`
	Timeout              string `yaml:"timeout"`
	MaxRetries           int    `yaml:"max_retries"`
}

// AdvisorConfig configures the optional LLM message advisor.
type AdvisorConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures logging. Categories left out of the map
// stay enabled; an explicit false disables one.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "slawatch",
		Version: "1.0.0",
		DataDir: "data",

		Source: SourceConfig{
			BaseURL:    "http://localhost:3000",
			DatabaseID: 1,
			Timeout:    "30s",
			MaxRetries: 3,
		},

		Notify: NotifyConfig{
			Timeout:    "10s",
			MaxRetries: 2,
		},

		Advisor: AdvisorConfig{
			Enabled: false,
			Model:   "gemini-2.0-flash",
			Timeout: "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Credentials
// never have to live in the config file.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("SLAWATCH_SOURCE_URL"); url != "" {
		c.Source.BaseURL = url
	}
	if user := os.Getenv("SLAWATCH_SOURCE_USERNAME"); user != "" {
		c.Source.Username = user
	}
	if pass := os.Getenv("SLAWATCH_SOURCE_PASSWORD"); pass != "" {
		c.Source.Password = pass
	}
	if url := os.Getenv("SLAWATCH_ESCALATION_WEBHOOK"); url != "" {
		c.Notify.EscalationWebhookURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Advisor.APIKey = key
	}
	if dir := os.Getenv("SLAWATCH_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// DatabasePath returns the SQLite path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "slawatch.db")
}

// GetSourceTimeout returns the source HTTP timeout as a duration.
func (c *Config) GetSourceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Source.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetNotifyTimeout returns the webhook HTTP timeout as a duration.
func (c *Config) GetNotifyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Notify.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetAdvisorTimeout returns the LLM advisor timeout as a duration.
func (c *Config) GetAdvisorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Advisor.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
