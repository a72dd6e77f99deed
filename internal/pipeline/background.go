package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// Background re-executes the current binary with args in a new session,
// detached from the terminal, with its output appended to the pipeline log
// under outputDir. It returns the child's pid without waiting for it.
func Background(outputDir string, args []string) (int, error) {
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return 0, err
	}
	layout := fsstate.NewLayout(root)
	if err := os.MkdirAll(layout.StateDir(), 0o755); err != nil {
		return 0, fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(layout.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open pipeline log: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate dirflow binary: %w", err)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start background pipeline: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
