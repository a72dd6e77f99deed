package distributed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// ClientRecord is the current client generation's address record.
type ClientRecord struct {
	Generation int         `json:"generation"`
	Address    string      `json:"address"`
	JobID      queue.JobID `json:"job_id"`
	PID        int         `json:"pid"`
	StartedAt  time.Time   `json:"started_at"`
	RenewAt    time.Time   `json:"renew_at"`
}

// WorkerRecord is one worker as written to pool and hand-off records.
type WorkerRecord struct {
	ID         string      `json:"id"`
	JobID      queue.JobID `json:"job_id"`
	State      string      `json:"state"`
	Assignment string      `json:"assignment,omitempty"`
	IdleChecks int         `json:"idle_checks"`
	Since      time.Time   `json:"since"`
}

// PoolSnapshot is refreshed by the client on every scaling check so that
// other processes can report on the pool.
type PoolSnapshot struct {
	Generation int            `json:"generation"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Admitting  bool           `json:"admitting"`
	Backlog    int            `json:"backlog"`
	InFlight   int            `json:"in_flight"`
	Size       int            `json:"size"`
	Workers    []WorkerRecord `json:"workers"`
}

// HandoffLedger is what an expiring client leaves for its successor: every
// worker it knew about and every file it had handed out.
type HandoffLedger struct {
	Generation int            `json:"generation"`
	WrittenAt  time.Time      `json:"written_at"`
	Workers    []WorkerRecord `json:"workers"`
	// InFlight maps input paths to the worker processing them.
	InFlight map[string]string `json:"in_flight"`
}

// Paths locates a distributed task's records.
type Paths struct {
	Dir string
}

// PathsFor returns the record paths of task under the pipeline layout.
func PathsFor(layout fsstate.Layout, task string) Paths {
	return Paths{Dir: layout.TaskStateDir(task)}
}

func (p Paths) ClientFile() string { return filepath.Join(p.Dir, "client.json") }
func (p Paths) PoolFile() string   { return filepath.Join(p.Dir, "pool.json") }
func (p Paths) LogDir() string     { return filepath.Join(p.Dir, "logs") }

// HandoffFile is the ledger written by generation gen.
func (p Paths) HandoffFile(gen int) string {
	return filepath.Join(p.Dir, fmt.Sprintf("handoff-%d.json", gen))
}

// ReadClient returns the client record, or nil if none was written yet.
func (p Paths) ReadClient() (*ClientRecord, error) {
	return readRecord[ClientRecord](p.ClientFile())
}

// ReadPool returns the pool snapshot, or nil if none was written yet.
func (p Paths) ReadPool() (*PoolSnapshot, error) {
	return readRecord[PoolSnapshot](p.PoolFile())
}

// ReadHandoff returns the ledger of generation gen, or nil if absent.
func (p Paths) ReadHandoff(gen int) (*HandoffLedger, error) {
	return readRecord[HandoffLedger](p.HandoffFile(gen))
}

func readRecord[T any](path string) (*T, error) {
	var v T
	if err := fsstate.ReadJSON(path, &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}
