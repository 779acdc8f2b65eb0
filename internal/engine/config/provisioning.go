package config

import (
	"fmt"
	"time"

	"github.com/pulseops/pulse-engine/pkg/yamlconf"
)

// StreamSpec describes one stream to create at startup. The kind selects
// one of the engine's built-in generators.
type StreamSpec struct {
	Name           string  `yaml:"name" validate:"required"`
	Kind           string  `yaml:"kind" validate:"required"`
	Source         string  `yaml:"source"`
	Rate           float64 `yaml:"rate" validate:"required,min=0.001"`
	BufferCapacity int     `yaml:"buffer_capacity" validate:"min=0"`
}

// TaskSpec describes one periodic task to register at startup. Durations
// are strings in time.ParseDuration form; either period or cron must be
// set.
type TaskSpec struct {
	Name         string `yaml:"name" validate:"required"`
	Priority     int    `yaml:"priority"`
	Period       string `yaml:"period" validate:"duration"`
	Cron         string `yaml:"cron"`
	Deadline     string `yaml:"deadline" validate:"required,duration"`
	CostEstimate string `yaml:"cost_estimate" validate:"duration"`
}

type Provisioning struct {
	Streams []StreamSpec `yaml:"streams"`
	Tasks   []TaskSpec   `yaml:"tasks"`
}

// LoadProvisioning reads and validates the startup provisioning file.
func LoadProvisioning(path string) (*Provisioning, error) {
	var p Provisioning
	if err := yamlconf.LoadAndValidate(path, &p); err != nil {
		return nil, fmt.Errorf("failed to load provisioning: %w", err)
	}
	for i, task := range p.Tasks {
		if task.Period == "" && task.Cron == "" {
			return nil, fmt.Errorf("task %q (index %d) needs a period or a cron expression", task.Name, i)
		}
	}
	return &p, nil
}

// PeriodDuration parses the task period; zero when the task is cron-driven.
func (t TaskSpec) PeriodDuration() time.Duration {
	return parseDuration(t.Period)
}

func (t TaskSpec) DeadlineDuration() time.Duration {
	return parseDuration(t.Deadline)
}

func (t TaskSpec) CostEstimateDuration() time.Duration {
	return parseDuration(t.CostEstimate)
}

// parseDuration assumes the value already passed tag validation.
func parseDuration(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, _ := time.ParseDuration(value)
	return d
}
