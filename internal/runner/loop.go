package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/task"
)

// Loop is the polling state shared by every execution model. It tracks the
// files a runner has admitted but not yet settled, so a rescan never hands
// the same file out twice.
type Loop struct {
	Spec     *config.TaskSpec
	Dirs     fsstate.Dirs
	Interval time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	last     fsstate.Snapshot
	activity time.Time
	stopped  bool
	err      error
}

// NewLoop prepares the loop for spec.
func NewLoop(spec *config.TaskSpec, interval time.Duration) (*Loop, error) {
	dirs, err := spec.Dirs()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("task '%s': poll interval must be positive", spec.Name)
	}
	return &Loop{
		Spec:     spec,
		Dirs:     dirs,
		Interval: interval,
		inflight: make(map[string]struct{}),
		activity: time.Now(),
	}, nil
}

// Prepare creates the output directory and removes temporaries left by a
// previous crash.
func (l *Loop) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(l.Dirs.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	n, err := fsstate.SweepTemp(l.Dirs.OutputDir)
	if err != nil {
		return err
	}
	if n > 0 {
		ctxlog.FromContext(ctx).Info("Removed stale temporary files.", "count", n)
	}
	return nil
}

// Poll scans the directories and returns the eligible files not already in
// flight, in the task's order and trimmed to its staging limits.
func (l *Loop) Poll() ([]string, error) {
	snap, err := fsstate.Scan(l.Dirs)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = *snap
	out := make([]string, 0, len(snap.Eligible))
	for _, f := range snap.Eligible {
		if _, busy := l.inflight[f]; !busy {
			out = append(out, f)
		}
	}
	return l.Dirs.Limits.Apply(out, len(l.inflight)), nil
}

// Admit marks file as in flight. It returns false if it already was.
func (l *Loop) Admit(file string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[file]; busy {
		return false
	}
	l.inflight[file] = struct{}{}
	l.activity = time.Now()
	return true
}

// Release clears file from the in-flight set.
func (l *Loop) Release(file string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, file)
	l.activity = time.Now()
}

// Settle records the outcome of a processed file in the cached counts, so
// status does not lag a full poll behind.
func (l *Loop) Settle(file string, outcome task.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, file)
	l.activity = time.Now()
	switch outcome {
	case task.Succeeded:
		l.last.Succeeded++
	case task.Failed:
		l.last.Failed++
	default:
		return
	}
	for i, f := range l.last.Eligible {
		if f == file {
			l.last.Eligible = append(l.last.Eligible[:i:i], l.last.Eligible[i+1:]...)
			break
		}
	}
}

// InFlight returns the number of admitted, unsettled files.
func (l *Loop) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Stop marks the loop as finished, recording err if the runner failed.
func (l *Loop) Stop(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.err = err
}

// Status reports the loop's view at the last poll.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := 0
	for _, f := range l.last.Eligible {
		if _, busy := l.inflight[f]; !busy {
			pending++
		}
	}
	s := Status{
		Task:         l.Spec.Name,
		Kind:         l.Spec.Kind,
		Pending:      pending,
		Running:      len(l.inflight),
		Succeeded:    l.last.Succeeded,
		Failed:       l.last.Failed,
		LastActivity: l.activity,
		Stopped:      l.stopped,
	}
	if l.err != nil {
		s.Error = l.err.Error()
	}
	return s
}

// Wait blocks for one poll interval or until ctx is done. It returns false
// when ctx is done.
func (l *Loop) Wait(ctx context.Context) bool {
	t := time.NewTimer(l.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
