package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (FOLLOWUP_SCHEDULER_TICK_INTERVAL, ...).
const EnvPrefix = "FOLLOWUP"

// Load reads configuration from path (YAML) layered over defaults and environment overrides.
// An empty path skips the file and falls back to the default search locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".followup")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	v.SetDefault("scheduler.max_concurrent_advances", cfg.Scheduler.MaxConcurrentAdvances)
	v.SetDefault("scheduler.action_timeout", cfg.Scheduler.ActionTimeout)
	v.SetDefault("scheduler.retry_base_delay", cfg.Scheduler.RetryBaseDelay)
	v.SetDefault("scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay)
	v.SetDefault("scheduler.max_retries", cfg.Scheduler.MaxRetries)
	v.SetDefault("scheduler.batch_size", cfg.Scheduler.BatchSize)
	v.SetDefault("scheduler.stall_timeout", cfg.Scheduler.StallTimeout)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.rate_limit.enabled", cfg.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.requests_per_second", cfg.Server.RateLimit.RequestsPerSecond)
	v.SetDefault("server.rate_limit.burst", cfg.Server.RateLimit.Burst)

	v.SetDefault("collaborators.webhook_url", cfg.Collaborators.WebhookURL)
	v.SetDefault("collaborators.webhook_token", cfg.Collaborators.WebhookToken)
	v.SetDefault("collaborators.timeout", cfg.Collaborators.Timeout)
	v.SetDefault("collaborators.send_rate_per_second", cfg.Collaborators.SendRatePerSecond)
	v.SetDefault("collaborators.send_burst", cfg.Collaborators.SendBurst)
	v.SetDefault("collaborators.openai.api_key", cfg.Collaborators.OpenAI.APIKey)
	v.SetDefault("collaborators.openai.model", cfg.Collaborators.OpenAI.Model)
	v.SetDefault("collaborators.openai.base_url", cfg.Collaborators.OpenAI.BaseURL)

	v.SetDefault("flows_dir", cfg.FlowsDir)
}
