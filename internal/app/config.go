package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the settings shared by every dirflow process.
type Config struct {
	LogFormat string
	LogLevel  string
	// QueueKind names the queueing system for distributed tasks.
	QueueKind string
}

// RunConfig is the input of App.Run.
type RunConfig struct {
	ConfigPath      string
	InputDir        string
	OutputDir       string
	IdleTimeout     time.Duration
	HealthcheckPort int
}

// NewRunConfig validates cfg.
func NewRunConfig(cfg RunConfig) (*RunConfig, error) {
	if cfg.ConfigPath == "" || cfg.InputDir == "" || cfg.OutputDir == "" {
		return nil, errors.New("config path, input dir and output dir are required")
	}
	if cfg.IdleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout must not be negative, got %s", cfg.IdleTimeout)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}

// ClientConfig is the input of App.RunClient.
type ClientConfig struct {
	SpecPath   string
	Task       string
	Generation int
	Handoff    bool
}

// WorkerConfig is the input of App.RunWorker.
type WorkerConfig struct {
	SpecPath   string
	Task       string
	WorkerID   string
	Generation int
}
