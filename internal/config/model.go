package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// Kind selects a task's execution model.
type Kind string

const (
	KindSequential  Kind = "sequential"
	KindConcurrent  Kind = "concurrent"
	KindDistributed Kind = "distributed"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSequential, KindConcurrent, KindDistributed:
		return true
	}
	return false
}

// DefaultOutputExt is used when a task does not name its output extension.
const DefaultOutputExt = ".out"

// PipelineSpec is the validated, immutable pipeline.
type PipelineSpec struct {
	ConfigPath  string        `json:"config_path"`
	InputDir    string        `json:"input_dir"`
	OutputDir   string        `json:"output_dir"`
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`
	Settings    Settings      `json:"settings"`
	// Tasks are ordered root-first; siblings are ordered by name.
	Tasks []*TaskSpec `json:"tasks"`
}

// Root returns the single task without a parent.
func (p *PipelineSpec) Root() *TaskSpec {
	for _, t := range p.Tasks {
		if t.DependsOn == "" {
			return t
		}
	}
	return nil
}

// Task returns the task named name, or nil.
func (p *PipelineSpec) Task(name string) *TaskSpec {
	for _, t := range p.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Children returns the direct dependents of name in pipeline order.
func (p *PipelineSpec) Children(name string) []*TaskSpec {
	var out []*TaskSpec
	for _, t := range p.Tasks {
		if t.DependsOn == name {
			out = append(out, t)
		}
	}
	return out
}

// TaskSpec is one node of the pipeline tree.
type TaskSpec struct {
	Name      string            `json:"name" yaml:"name"`
	Kind      Kind              `json:"kind" yaml:"kind"`
	DependsOn string            `json:"depends_on,omitempty" yaml:"depends_on"`
	InputExt  string            `json:"input_ext" yaml:"input_ext"`
	OutputExt string            `json:"output_ext" yaml:"output_ext"`
	Logic     string            `json:"logic" yaml:"logic"`
	Params    map[string]string `json:"params,omitempty" yaml:"params"`

	// Concurrency bounds in-flight files of a concurrent task.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency"`
	// MinWorkers and MaxWorkers bound the pool of a distributed task.
	MinWorkers int        `json:"min_workers,omitempty" yaml:"min_workers"`
	MaxWorkers int        `json:"max_workers,omitempty" yaml:"max_workers"`
	Resources  *Resources `json:"resources,omitempty" yaml:"resources"`

	Filters Filters `json:"filters" yaml:"filters"`

	// Resolved by Build.
	InputDir  string `json:"input_dir" yaml:"-"`
	OutputDir string `json:"output_dir" yaml:"-"`
}

// Dirs returns the task's filesystem view.
func (t *TaskSpec) Dirs() (fsstate.Dirs, error) {
	filters, err := t.Filters.Build(t.InputExt)
	if err != nil {
		return fsstate.Dirs{}, fmt.Errorf("task '%s': %w", t.Name, err)
	}
	d := fsstate.Dirs{
		InputDir:  t.InputDir,
		InputExt:  t.InputExt,
		OutputDir: t.OutputDir,
		OutputExt: t.OutputExt,
		Filters:   filters,
		Order:     fsstate.Order{By: fsstate.SortKey(t.Filters.SortBy), Reverse: t.Filters.Reverse},
		Limits:    fsstate.Limits{MaxBatch: t.Filters.MaxBatch, MaxStaged: t.Filters.MaxStaged},
	}
	if t.Filters.Script != "" {
		d.Gates = []fsstate.Gate{fsstate.ScriptGate{Command: t.Filters.Script}}
	}
	return d, nil
}

// Resources describes the queue request for each worker job of a
// distributed task.
type Resources struct {
	Account string `json:"account,omitempty" yaml:"account"`
	CPUs    int    `json:"cpus,omitempty" yaml:"cpus"`
	GPUs    int    `json:"gpus,omitempty" yaml:"gpus"`
	Memory  string `json:"memory,omitempty" yaml:"memory"`
	// Time is the per-job wall-clock limit in the queue's own format.
	Time          string   `json:"time,omitempty" yaml:"time"`
	Options       []string `json:"options,omitempty" yaml:"options"`
	SetupCommands []string `json:"setup_commands,omitempty" yaml:"setup_commands"`
}

// Filters narrows which inputs are eligible and how they are staged. Zero
// values disable a setting.
type Filters struct {
	MinSize int64         `json:"min_size,omitempty" yaml:"min_size"`
	MaxSize int64         `json:"max_size,omitempty" yaml:"max_size"`
	MinAge  time.Duration `json:"min_age,omitempty" yaml:"min_age"`
	Pattern string        `json:"pattern,omitempty" yaml:"pattern"`
	// Companion is the extension of a sibling file every input needs.
	Companion string `json:"companion,omitempty" yaml:"companion"`
	// Script is a bash command run with the input directory as its last
	// argument; a non-zero exit holds every input back.
	Script string `json:"script,omitempty" yaml:"script"`

	SortBy    string `json:"sort_by,omitempty" yaml:"sort_by"`
	Reverse   bool   `json:"reverse,omitempty" yaml:"reverse"`
	MaxBatch  int    `json:"max_batch,omitempty" yaml:"max_batch"`
	MaxStaged int    `json:"max_staged,omitempty" yaml:"max_staged"`
}

// Build turns the declarative filters into fsstate filters and checks the
// staging settings.
func (f Filters) Build(inputExt string) ([]fsstate.Filter, error) {
	switch {
	case !fsstate.SortKey(f.SortBy).Valid():
		return nil, fmt.Errorf("unknown sort_by '%s', want name, size or mtime", f.SortBy)
	case f.MaxBatch < 0:
		return nil, fmt.Errorf("max_batch must not be negative")
	case f.MaxStaged < 0:
		return nil, fmt.Errorf("max_staged must not be negative")
	case f.Companion != "" && (!strings.HasPrefix(f.Companion, ".") || f.Companion == inputExt):
		return nil, fmt.Errorf("companion '%s' must start with '.' and differ from the input extension", f.Companion)
	}

	var out []fsstate.Filter
	if f.MinSize > 0 {
		out = append(out, fsstate.MinSize{Bytes: f.MinSize})
	}
	if f.MaxSize > 0 {
		out = append(out, fsstate.MaxSize{Bytes: f.MaxSize})
	}
	if f.MinAge > 0 {
		out = append(out, fsstate.MinAge{Age: f.MinAge})
	}
	if f.Pattern != "" {
		p, err := fsstate.NewPattern(f.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if f.Companion != "" {
		out = append(out, fsstate.Companion{Ext: f.Companion, InputExt: inputExt})
	}
	return out, nil
}
