// Package config provides configuration loading for the follow-up engine.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators" yaml:"collaborators"`

	// FlowsDir is an extra directory searched for flow definition files.
	FlowsDir string `mapstructure:"flows_dir" yaml:"flows_dir"`
}

// DatabaseConfig points at the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=console json"`
}

// SchedulerConfig controls how flow instances are advanced.
type SchedulerConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval" yaml:"tick_interval" validate:"min=10ms"`
	MaxConcurrentAdvances int           `mapstructure:"max_concurrent_advances" yaml:"max_concurrent_advances" validate:"min=1,max=1000"`
	ActionTimeout         time.Duration `mapstructure:"action_timeout" yaml:"action_timeout" validate:"min=1s"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay" validate:"min=1s"`
	RetryMaxDelay         time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	MaxRetries            int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=100"`
	BatchSize             int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1"`
	// StallTimeout is how long a pending or running instance may go unwritten
	// before the sweep resumes it.
	StallTimeout time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout" validate:"min=1s"`
}

// ServerConfig controls the followupd gRPC listener.
type ServerConfig struct {
	Host      string          `mapstructure:"host" yaml:"host" validate:"required"`
	Port      int             `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is a token bucket definition.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// CollaboratorsConfig configures the outbound collaborator adapters.
type CollaboratorsConfig struct {
	// WebhookURL is the base URL receiving collaborator calls. Empty means log-only collaborators.
	WebhookURL        string        `mapstructure:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	WebhookToken      string        `mapstructure:"webhook_token" yaml:"webhook_token"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	SendRatePerSecond float64       `mapstructure:"send_rate_per_second" yaml:"send_rate_per_second" validate:"gte=0"`
	SendBurst         int           `mapstructure:"send_burst" yaml:"send_burst" validate:"gte=0"`
	OpenAI            OpenAIConfig  `mapstructure:"openai" yaml:"openai"`
}

// OpenAIConfig configures the AI text generator.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
}

// DefaultPort is the default followupd gRPC port.
const DefaultPort = 50071

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(DataDir(), "followup.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scheduler: SchedulerConfig{
			TickInterval:          time.Second,
			MaxConcurrentAdvances: 10,
			ActionTimeout:         30 * time.Second,
			RetryBaseDelay:        30 * time.Second,
			RetryMaxDelay:         30 * time.Minute,
			MaxRetries:            5,
			BatchSize:             100,
			StallTimeout:          10 * time.Minute,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: DefaultPort,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Collaborators: CollaboratorsConfig{
			Timeout:           10 * time.Second,
			SendRatePerSecond: 5,
			SendBurst:         10,
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
		},
	}
}

// DataDir returns the base directory for persisted state.
func DataDir() string {
	if v := os.Getenv("FOLLOWUP_DATA_DIR"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "followup")
	}
	return "data"
}

// ConfigDir returns the user configuration directory.
func ConfigDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", "followup")
	}
	return "."
}
