package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// ErrNotRunning is returned by Stop when no live pipeline owns the output
// directory.
var ErrNotRunning = errors.New("pipeline is not running")

// Stop signals the pipeline that owns outputDir: SIGTERM, which drains, or
// SIGKILL with force. A stale pid record is removed. It returns the pid
// that was signalled.
func Stop(outputDir string, force bool) (int, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return 0, err
	}
	layout := fsstate.NewLayout(root)
	rec, err := fsstate.ReadPID(layout.PIDFile())
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, ErrNotRunning
	}
	if !fsstate.Alive(rec.PID) {
		if err := fsstate.RemovePID(layout.PIDFile()); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w (removed stale pid record for %d)", ErrNotRunning, rec.PID)
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(rec.PID, sig); err != nil {
		return 0, fmt.Errorf("signal pid %d: %w", rec.PID, err)
	}
	if force {
		// A killed pipeline cannot clean up after itself.
		_ = fsstate.RemovePID(layout.PIDFile())
	}
	return rec.PID, nil
}
