package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every tunable's environment variable.
const EnvPrefix = "DIRFLOW_"

// Settings are the pipeline-wide tunables.
type Settings struct {
	ValidationTimeout    time.Duration `json:"task_validation_timeout"`
	PipelinePollInterval time.Duration `json:"pipeline_poll_interval"`
	TaskPollInterval     time.Duration `json:"task_poll_interval"`
	// ClientLifetime is the wall-clock limit of a distributed client job; a
	// replacement is submitted before it runs out.
	ClientLifetime       time.Duration `json:"client_lifetime"`
	ScaleInterval        time.Duration `json:"scale_interval"`
	ScaleWaitCount       int           `json:"scale_wait_count"`
	WorkerStartupTimeout time.Duration `json:"worker_startup_timeout"`
	DrainGrace           time.Duration `json:"drain_grace"`
}

// DefaultSettings returns the built-in tunables.
func DefaultSettings() Settings {
	return Settings{
		ValidationTimeout:    60 * time.Second,
		PipelinePollInterval: 10 * time.Second,
		TaskPollInterval:     3 * time.Second,
		ClientLifetime:       24 * time.Hour,
		ScaleInterval:        15 * time.Second,
		ScaleWaitCount:       8,
		WorkerStartupTimeout: 600 * time.Second,
		DrainGrace:           30 * time.Second,
	}
}

// SettingsFromEnv returns the defaults overridden by DIRFLOW_* variables.
func SettingsFromEnv() (Settings, error) {
	return DefaultSettings().Override(os.LookupEnv)
}

type durationVar struct {
	name string
	unit time.Duration
	dst  *time.Duration
}

// Override applies environment-style overrides read through lookup. Bare
// integers are interpreted in the variable's natural unit (seconds, or hours
// for CLIENT_HOURS); anything else must be a Go duration.
func (s Settings) Override(lookup func(string) (string, bool)) (Settings, error) {
	vars := []durationVar{
		{"TASK_VALIDATION_TIMEOUT", time.Second, &s.ValidationTimeout},
		{"PIPELINE_POLL_INTERVAL", time.Second, &s.PipelinePollInterval},
		{"TASK_POLL_INTERVAL", time.Second, &s.TaskPollInterval},
		{"CLIENT_HOURS", time.Hour, &s.ClientLifetime},
		{"SCALE_INTERVAL", time.Second, &s.ScaleInterval},
		{"WORKER_STARTUP_TIMEOUT", time.Second, &s.WorkerStartupTimeout},
		{"DRAIN_GRACE", time.Second, &s.DrainGrace},
	}
	for _, v := range vars {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := parseDuration(raw, v.unit)
		if err != nil {
			return s, fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
		*v.dst = d
	}
	if raw, ok := lookup(EnvPrefix + "SCALE_WAIT_COUNT"); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return s, fmt.Errorf("%sSCALE_WAIT_COUNT: %w", EnvPrefix, err)
		}
		s.ScaleWaitCount = n
	}
	return s, s.Validate()
}

// Validate rejects non-positive tunables.
func (s Settings) Validate() error {
	checks := map[string]time.Duration{
		"task validation timeout": s.ValidationTimeout,
		"pipeline poll interval":  s.PipelinePollInterval,
		"task poll interval":      s.TaskPollInterval,
		"client lifetime":         s.ClientLifetime,
		"scale interval":          s.ScaleInterval,
		"worker startup timeout":  s.WorkerStartupTimeout,
	}
	for name, d := range checks {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.ScaleWaitCount <= 0 {
		return fmt.Errorf("scale wait count must be positive, got %d", s.ScaleWaitCount)
	}
	if s.DrainGrace < 0 {
		return fmt.Errorf("drain grace must not be negative, got %s", s.DrainGrace)
	}
	return nil
}

func parseDuration(raw string, unit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(unit)), nil
	}
	return time.ParseDuration(raw)
}
