// Package config loads the orchestrator configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Reminders RemindersConfig `yaml:"reminders"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig locates the persistence files.
type StoreConfig struct {
	// Path is the SQLite database for conversations, agents, sessions
	// and obligations.
	Path string `yaml:"path"`
	// SessionDir holds the per-session transport credential databases.
	SessionDir string `yaml:"session_dir"`
}

// LLMConfig selects and tunes the response providers.
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Timeout         time.Duration             `yaml:"timeout"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RemindersConfig tunes the outbound campaign.
type RemindersConfig struct {
	DailyAt  string        `yaml:"daily_at"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxPerRun caps one run's batch size. Zero disables the cap.
	MaxPerRun int `yaml:"max_per_run"`
}

// ReconnectConfig tunes the session reconnect backoff.
type ReconnectConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8780"},
		Store: StoreConfig{
			Path:       "cobrador.db",
			SessionDir: "sessions",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Timeout:         30 * time.Second,
		},
		Reminders: RemindersConfig{
			DailyAt:  "09:30",
			MinDelay: 20 * time.Second,
			MaxDelay: 60 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Initial:     time.Second,
			Max:         60 * time.Second,
			Factor:      2,
			Jitter:      0.2,
			MaxAttempts: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file, expanding ${ENV} references, and fills in
// defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.SessionDir == "" {
		return fmt.Errorf("store.session_dir is required")
	}
	if _, err := time.Parse("15:04", c.Reminders.DailyAt); err != nil {
		return fmt.Errorf("reminders.daily_at must be HH:MM: %w", err)
	}
	if c.Reminders.MinDelay < 0 || c.Reminders.MaxDelay < c.Reminders.MinDelay {
		return fmt.Errorf("reminders delays invalid: min %v, max %v",
			c.Reminders.MinDelay, c.Reminders.MaxDelay)
	}
	if c.Reminders.MaxPerRun < 0 {
		return fmt.Errorf("reminders.max_per_run must not be negative")
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be >= 1")
	}
	return nil
}
