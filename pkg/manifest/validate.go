package manifest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/cron"
)

// Validate checks one config in isolation.
func Validate(cfg agent.AgentConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case cfg.ID == "":
		add("agent ID is required")
	case strings.ContainsAny(cfg.ID, ": \t\n/"):
		add("agent ID %q must not contain ':', '/' or whitespace", cfg.ID)
	}
	if strings.TrimSpace(cfg.Instruction) == "" && len(cfg.BootstrapFiles) == 0 {
		add("instruction or bootstrap_files is required")
	}
	if strings.TrimSpace(cfg.Model.Primary) == "" {
		add("model.primary is required")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		add("temperature must be between 0 and 2")
	}
	if cfg.MaxIterations < 0 {
		add("max_iterations must not be negative")
	}
	if cfg.TimeoutSeconds < 0 {
		add("timeout_seconds must not be negative")
	}
	if cfg.Budget.TokenBudget < 0 || cfg.Budget.CostBudgetUSD < 0 {
		add("budget must not be negative")
	}
	if cfg.Spawn.MaxNestingDepth < 0 || cfg.Spawn.MaxNestingDepth > agent.MaxNestingDepthCeiling {
		add("spawn.max_nesting_depth must be between 0 and %d", agent.MaxNestingDepthCeiling)
	}

	if err := validateSchedule(cfg.Cron, cfg.Timezone); err != nil {
		add("cron: %w", err)
	}
	if hb := cfg.Heartbeat; hb != nil {
		tz := hb.Timezone
		if tz == "" {
			tz = cfg.Timezone
		}
		if hb.Cron == "" {
			add("heartbeat.cron is required")
		} else if err := validateSchedule(hb.Cron, tz); err != nil {
			add("heartbeat.cron: %w", err)
		}
		if hb.Delivery.Mode != "" {
			if err := validateDelivery(hb.Delivery); err != nil {
				add("heartbeat.delivery: %w", err)
			}
		}
	}
	if err := validateDelivery(cfg.Delivery); err != nil {
		add("delivery: %w", err)
	}

	for i, h := range cfg.Hooks {
		if h.Stream == "" || h.EventType == "" {
			add("hooks[%d]: stream and event_type are required", i)
		}
	}
	for _, d := range cfg.Downstream {
		if d == cfg.ID {
			add("downstream must not include the agent itself")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("agent %s: %w", cfg.ID, errors.Join(errs...))
	}
	return nil
}

func validateSchedule(expr, tz string) error {
	if expr == "" {
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", tz, err)
			}
		}
		return nil
	}
	_, err := cron.ParseSchedule(expr, tz)
	return err
}

func validateDelivery(d agent.DeliveryConfig) error {
	switch d.Mode {
	case "", agent.DeliveryAnnounce, agent.DeliverySilent, agent.DeliveryPublish:
		return nil
	default:
		return fmt.Errorf("unknown mode %q", d.Mode)
	}
}
