package queue

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Slurm talks to Slurm through its command-line tools.
type Slurm struct {
	// Command runs a Slurm tool; tests replace it.
	Command func(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// NewSlurm returns a Slurm client using the real sbatch/squeue/scancel.
func NewSlurm() *Slurm {
	return &Slurm{Command: runTool}
}

func runTool(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Submit pipes a batch script to `sbatch --parsable`.
func (s *Slurm) Submit(ctx context.Context, req Request) (JobID, error) {
	out, err := s.Command(ctx, Script(req), "sbatch", "--parsable")
	if err != nil {
		return "", fmt.Errorf("submit job '%s': %w", req.Name, err)
	}
	// --parsable prints "<id>" or "<id>;<cluster>".
	id := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), ";", 2)[0])
	if id == "" {
		return "", fmt.Errorf("submit job '%s': sbatch returned no job id", req.Name)
	}
	return JobID(id), nil
}

// Cancel runs scancel. Cancelling a finished job is not an error.
func (s *Slurm) Cancel(ctx context.Context, id JobID) error {
	if _, err := s.Command(ctx, "", "scancel", string(id)); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// Alive asks squeue for the job's state. Jobs squeue no longer lists are
// finished.
func (s *Slurm) Alive(ctx context.Context, id JobID) (bool, error) {
	out, err := s.Command(ctx, "", "squeue", "--noheader", "--jobs", string(id), "--format", "%T")
	if err != nil {
		// squeue fails with "Invalid job id" once the job has aged out.
		if strings.Contains(err.Error(), "Invalid job id") {
			return false, nil
		}
		return false, fmt.Errorf("query job %s: %w", id, err)
	}
	switch strings.TrimSpace(out) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED":
		return true, nil
	default:
		return false, nil
	}
}

// Script renders req as an sbatch script.
func Script(req Request) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...any) {
		fmt.Fprintf(&b, "#SBATCH "+format+"\n", args...)
	}
	directive("--job-name=%s", req.Name)
	if req.LogPath != "" {
		directive("--output=%s", req.LogPath)
	}
	if req.TimeLimit > 0 {
		directive("--time=%s", slurmDuration(req.TimeLimit))
	}
	if r := req.Resources; r != nil {
		if r.Account != "" {
			directive("--account=%s", r.Account)
		}
		if r.CPUs > 0 {
			directive("--cpus-per-task=%d", r.CPUs)
		}
		if r.GPUs > 0 {
			directive("--gres=gpu:%d", r.GPUs)
		}
		if r.Memory != "" {
			directive("--mem=%s", r.Memory)
		}
		if r.Time != "" && req.TimeLimit == 0 {
			directive("--time=%s", r.Time)
		}
		for _, opt := range r.Options {
			directive("%s", opt)
		}
	}
	b.WriteString("\n")
	if req.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(req.WorkDir))
	}
	for _, kv := range req.Env {
		fmt.Fprintf(&b, "export %s\n", shellQuote(kv))
	}
	if r := req.Resources; r != nil {
		for _, c := range r.SetupCommands {
			b.WriteString(c + "\n")
		}
	}
	b.WriteString("exec " + shellQuote(req.Program))
	for _, a := range req.Args {
		b.WriteString(" " + shellQuote(a))
	}
	b.WriteString("\n")
	return b.String()
}

// slurmDuration formats d as [D-]HH:MM:SS in whole minutes, at least one.
func slurmDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		d = time.Minute
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:00", days, h, m)
	}
	return fmt.Sprintf("%02d:%02d:00", h, m)
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
