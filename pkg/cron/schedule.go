package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec returns the robfig spec for a 5-field expression in timezone tz.
func Spec(expr, tz string) string {
	expr = strings.TrimSpace(expr)
	if tz == "" || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

// ParseSchedule validates expr and tz and returns the parsed schedule.
func ParseSchedule(expr, tz string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	sched, err := parser.Parse(Spec(expr, tz))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns the first activation of expr strictly after after.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
