package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file (if any), overlays ROBOTHOR_* environment
// variables, fills derived paths and parses credentials.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix("ROBOTHOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPaths(cfg); err != nil {
		return nil, err
	}

	creds, err := LoadCredentials()
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".robothor", "engine.yaml")
}

// bindDefaults registers scalar defaults so AutomaticEnv can override keys
// that the config file never mentions.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("tenant_id", cfg.TenantID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("manifests_dir", cfg.ManifestsDir)
	v.SetDefault("workspace_path", cfg.WorkspacePath)
	v.SetDefault("max_concurrent_agents", cfg.MaxConcurrentAgents)
	v.SetDefault("max_concurrent_spawns", cfg.MaxConcurrentSpawns)
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	v.SetDefault("scheduler.circuit_breaker_threshold", cfg.Scheduler.CircuitBreakerThreshold)
	v.SetDefault("hooks.enabled", cfg.Hooks.Enabled)
	v.SetDefault("hooks.group", cfg.Hooks.Group)
	v.SetDefault("hooks.consumer", cfg.Hooks.Consumer)
	v.SetDefault("hooks.block", cfg.Hooks.Block)
	v.SetDefault("hooks.batch_size", cfg.Hooks.BatchSize)
	v.SetDefault("hooks.max_retries", cfg.Hooks.MaxRetries)
	v.SetDefault("hooks.dlq_max_len", cfg.Hooks.DLQMaxLen)
	v.SetDefault("hooks.stream_max_len", cfg.Hooks.StreamMaxLen)
	v.SetDefault("hooks.use_memory_log", cfg.Hooks.UseMemoryLog)
	v.SetDefault("hooks.claim_idle", cfg.Hooks.ClaimIdle)
	v.SetDefault("delivery.default_stream", cfg.Delivery.DefaultStream)
	v.SetDefault("delivery.alert_channel", cfg.Delivery.AlertChannel)
	v.SetDefault("delivery.alert_to", cfg.Delivery.AlertTo)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("ingress.enabled", cfg.Ingress.Enabled)
	v.SetDefault("ingress.rate_limit_per_minute", cfg.Ingress.RateLimitPerMinute)
	v.SetDefault("ingress.max_body_bytes", cfg.Ingress.MaxBodyBytes)
}

func applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".robothor")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "engine.db")
	}
	if cfg.ManifestsDir == "" {
		cfg.ManifestsDir = filepath.Join(cfg.DataDir, "agents")
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "engine.log")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
