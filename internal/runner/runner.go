package runner

import (
	"context"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
)

// Runner executes one task until its context is cancelled.
type Runner interface {
	// Name is the task name.
	Name() string
	// Run polls and processes files until ctx is cancelled, then waits for
	// in-flight files and tears the task logic down. An error means the
	// runner could not keep going; the other runners are unaffected.
	Run(ctx context.Context) error
	// Status is a point-in-time view, safe to call concurrently with Run.
	Status() Status
}

// Status is the live view of one runner.
type Status struct {
	Task    string      `json:"task"`
	Kind    config.Kind `json:"kind"`
	Pending int         `json:"pending"`
	Running int         `json:"running"`
	// Succeeded and Failed are counted from disk at the last poll.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Workers and Backlog are only reported by distributed runners.
	Workers int `json:"workers,omitempty"`
	Backlog int `json:"backlog,omitempty"`
	// LastActivity is the last time a file was admitted or settled.
	LastActivity time.Time `json:"last_activity"`
	Stopped      bool      `json:"stopped"`
	Error        string    `json:"error,omitempty"`
}

// Idle reports whether the runner has nothing pending or running.
func (s Status) Idle() bool {
	return s.Pending == 0 && s.Running == 0
}
