package fsstate

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// PIDRecord identifies a running pipeline process.
type PIDRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Config    string    `json:"config,omitempty"`
}

// WritePID records the current process as the owner of the pipeline.
func WritePID(path, configPath string) error {
	return WriteJSONAtomic(path, PIDRecord{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Config:    configPath,
	})
}

// ReadPID returns the record at path, or nil if there is none.
func ReadPID(path string) (*PIDRecord, error) {
	var rec PIDRecord
	if err := ReadJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid record: %w", err)
	}
	return &rec, nil
}

// RemovePID deletes the pid record. A missing record is not an error.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
