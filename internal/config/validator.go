package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks ranges and required fields. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.TenantID) == "" {
		errs = append(errs, fmt.Errorf("tenant_id is required"))
	}
	if c.MaxConcurrentAgents < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_agents must be >= 1, got %d", c.MaxConcurrentAgents))
	}
	if c.MaxConcurrentSpawns < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_spawns must be >= 1, got %d", c.MaxConcurrentSpawns))
	}
	if c.Scheduler.CircuitBreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("scheduler.circuit_breaker_threshold must be >= 1, got %d", c.Scheduler.CircuitBreakerThreshold))
	}
	if c.Scheduler.MisfireGrace < 0 {
		errs = append(errs, fmt.Errorf("scheduler.misfire_grace must not be negative"))
	}
	if c.Hooks.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("hooks.max_retries must be >= 0, got %d", c.Hooks.MaxRetries))
	}
	if c.Hooks.Enabled {
		if c.Hooks.Group == "" {
			errs = append(errs, fmt.Errorf("hooks.group is required when hooks are enabled"))
		}
		if c.Hooks.Consumer == "" {
			errs = append(errs, fmt.Errorf("hooks.consumer is required when hooks are enabled"))
		}
		if c.Hooks.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("hooks.batch_size must be >= 1, got %d", c.Hooks.BatchSize))
		}
	}
	if c.Hooks.DLQMaxLen < 0 {
		errs = append(errs, fmt.Errorf("hooks.dlq_max_len must not be negative"))
	}
	for stream, triggers := range c.Hooks.Triggers {
		for i, t := range triggers {
			if t.EventType == "" || t.AgentID == "" {
				errs = append(errs, fmt.Errorf("hooks.triggers[%s][%d]: event_type and agent_id are required", stream, i))
			}
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, fmt.Errorf("metrics.address is required when metrics are enabled"))
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1) {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be in (0, 1], got %g", c.Tracing.SampleRatio))
	}
	if c.Ingress.Enabled {
		if c.Metrics.Address == "" {
			errs = append(errs, fmt.Errorf("metrics.address is required when ingress is enabled"))
		}
		seen := make(map[string]bool, len(c.Ingress.Sources))
		for i, src := range c.Ingress.Sources {
			if src.Name == "" || src.Stream == "" {
				errs = append(errs, fmt.Errorf("ingress.sources[%d]: name and stream are required", i))
				continue
			}
			if seen[src.Name] {
				errs = append(errs, fmt.Errorf("ingress.sources[%d]: duplicate name %q", i, src.Name))
			}
			seen[src.Name] = true
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not recognized", c.Logging.Level))
	}

	return errors.Join(errs...)
}
