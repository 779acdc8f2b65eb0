package cronparse

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	ScheduleKindInterval = "interval"
	ScheduleKindCron     = "cron"
)

// parser accepts six-field expressions (seconds included) plus descriptors
// like "@every 5s" and "@hourly".
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a cron expression and returns its schedule.
func Parse(expression string) (cron.Schedule, error) {
	if expression == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	schedule, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return schedule, nil
}

// Next returns the first fire time strictly after the given instant.
func Next(expression string, after time.Time) (time.Time, error) {
	schedule, err := Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// NextExecutionTime calculates the next execution timestamp for a schedule
// kind: "interval" advances by the fixed period, "cron" follows the
// expression.
func NextExecutionTime(after time.Time, scheduleKind string, period time.Duration, expression string) (time.Time, error) {
	switch scheduleKind {
	case ScheduleKindInterval:
		if period <= 0 {
			return time.Time{}, fmt.Errorf("invalid period %v", period)
		}
		return after.Add(period), nil

	case ScheduleKindCron:
		return Next(expression, after)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", scheduleKind)
	}
}
