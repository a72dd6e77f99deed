package fsstate

import "path/filepath"

// StateDirName is the hidden directory under a pipeline's output root that
// holds everything that is not a task artifact.
const StateDirName = ".dirflow"

// Layout resolves the well-known paths of a pipeline output root.
type Layout struct {
	Root string
}

// NewLayout returns the layout for the given output root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) StateDir() string { return filepath.Join(l.Root, StateDirName) }
func (l Layout) PIDFile() string  { return filepath.Join(l.StateDir(), "pid") }
func (l Layout) SpecFile() string { return filepath.Join(l.StateDir(), "pipeline.json") }
func (l Layout) LogFile() string  { return filepath.Join(l.StateDir(), "pipeline.log") }

// StatusFile is refreshed by a running pipeline with its runners' live view.
func (l Layout) StatusFile() string { return filepath.Join(l.StateDir(), "status.json") }

// TaskOutputDir is where a task writes its artifacts and failure markers.
func (l Layout) TaskOutputDir(task string) string { return filepath.Join(l.Root, task) }

// TaskStateDir holds a task's runner records (client, pool, hand-off, logs).
func (l Layout) TaskStateDir(task string) string {
	return filepath.Join(l.StateDir(), "tasks", task)
}
