package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// Local runs every job as its own process group on this host. Job ids are
// process ids, so another process can still cancel or probe a job it did
// not submit (the pipeline cancelling workers started by a client job).
type Local struct {
	// Grace is the time between SIGTERM and SIGKILL on Cancel.
	Grace time.Duration

	mu   sync.Mutex
	jobs map[JobID]*localJob
}

type localJob struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewLocal returns an empty local queue.
func NewLocal() *Local {
	return &Local{Grace: 10 * time.Second, jobs: make(map[JobID]*localJob)}
}

// Submit starts the job immediately. TimeLimit, when set, is enforced by
// killing the job's process group.
func (l *Local) Submit(ctx context.Context, req Request) (JobID, error) {
	cmd := exec.Command(req.Program, req.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)

	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
			return "", fmt.Errorf("submit job '%s': %w", req.Name, err)
		}
		logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("submit job '%s': %w", req.Name, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("submit job '%s': %w", req.Name, err)
	}
	id := JobID(strconv.Itoa(cmd.Process.Pid))
	job := &localJob{cmd: cmd, done: make(chan struct{})}

	l.mu.Lock()
	l.jobs[id] = job
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(job.done)
	}()
	if req.TimeLimit > 0 {
		go func() {
			select {
			case <-job.done:
			case <-time.After(req.TimeLimit):
				ctxlog.FromContext(ctx).Warn("Local job exceeded its time limit.", "job", req.Name, "job_id", id)
				_ = l.Cancel(context.WithoutCancel(ctx), id)
			}
		}()
	}
	ctxlog.FromContext(ctx).Debug("Local job started.", "job", req.Name, "job_id", id)
	return id, nil
}

// Cancel sends SIGTERM to the job's process group and SIGKILL after Grace.
func (l *Local) Cancel(ctx context.Context, id JobID) error {
	pid, err := strconv.Atoi(string(id))
	if err != nil || pid <= 0 {
		return fmt.Errorf("cancel job %s: invalid local job id", id)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	l.mu.Lock()
	job := l.jobs[id]
	l.mu.Unlock()

	t := time.NewTimer(l.Grace)
	defer t.Stop()
	if job != nil {
		select {
		case <-job.done:
			return nil
		case <-ctx.Done():
		case <-t.C:
		}
	} else {
		// Not ours: poll until the group leader is gone.
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	wait:
		for fsstate.Alive(pid) {
			select {
			case <-ctx.Done():
				break wait
			case <-t.C:
				break wait
			case <-tick.C:
			}
		}
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return nil
}

// Alive reports whether the job's process is still running.
func (l *Local) Alive(_ context.Context, id JobID) (bool, error) {
	l.mu.Lock()
	job := l.jobs[id]
	l.mu.Unlock()
	if job != nil {
		select {
		case <-job.done:
			return false, nil
		default:
			return true, nil
		}
	}
	pid, err := strconv.Atoi(string(id))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("invalid local job id %q", id)
	}
	return fsstate.Alive(pid), nil
}
