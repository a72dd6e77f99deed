// Package queue submits and tracks jobs on a cluster queueing system.
//
// The queueing system is opaque: it accepts job requests and reports whether
// a job is still alive. Two implementations are provided, Slurm (sbatch,
// squeue, scancel) and Local, which runs every job as a child process
// group on the current host.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
)

// JobID identifies a submitted job.
type JobID string

// Request describes one job: an invocation of Program with Args.
type Request struct {
	Name    string
	Program string
	Args    []string
	// Env holds extra KEY=VALUE pairs for the job.
	Env     []string
	WorkDir string
	LogPath string
	// TimeLimit is the job's wall-clock limit; zero leaves it to the queue.
	TimeLimit time.Duration
	Resources *config.Resources
}

// Queue is a cluster queueing system client.
type Queue interface {
	Submit(ctx context.Context, req Request) (JobID, error)
	Cancel(ctx context.Context, id JobID) error
	// Alive reports whether the job is pending or running.
	Alive(ctx context.Context, id JobID) (bool, error)
}

// ErrUnknownKind is returned by New for an unsupported queue name.
var ErrUnknownKind = errors.New("unknown queue kind")

// New returns the queue named kind: "slurm", "local", or "auto", which picks
// Slurm when sbatch is on PATH.
func New(kind string) (Queue, error) {
	switch strings.ToLower(kind) {
	case "slurm":
		return NewSlurm(), nil
	case "local":
		return NewLocal(), nil
	case "", "auto":
		if _, err := exec.LookPath("sbatch"); err == nil {
			return NewSlurm(), nil
		}
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("%w '%s' (want slurm, local or auto)", ErrUnknownKind, kind)
	}
}
