package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/specialistvlad/dirflow/internal/fsstate"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid pipeline config")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Build validates tasks as a rooted tree, applies defaults, resolves the
// input/output directory of every task and returns them root-first.
//
// The root reads opts.InputDir; every task writes <OutputDir>/<name>; a child
// reads its parent's output directory.
func Build(tasks []*TaskSpec, opts Options) (*PipelineSpec, error) {
	if len(tasks) == 0 {
		return nil, invalidf("pipeline has no tasks")
	}
	if opts.InputDir == "" || opts.OutputDir == "" {
		return nil, invalidf("input and output directories are required")
	}
	settings := opts.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	byName := make(map[string]*TaskSpec, len(tasks))
	for _, t := range tasks {
		applyDefaults(t)
		if err := validateTask(t); err != nil {
			return nil, err
		}
		if _, dup := byName[t.Name]; dup {
			return nil, invalidf("duplicate task name '%s'", t.Name)
		}
		byName[t.Name] = t
	}

	order, err := treeOrder(tasks, byName)
	if err != nil {
		return nil, err
	}

	inputDir, err := filepath.Abs(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve input dir: %w", err)
	}
	outputDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if inputDir == outputDir {
		return nil, invalidf("input and output directories must differ")
	}
	layout := fsstate.NewLayout(outputDir)

	spec := &PipelineSpec{
		InputDir:    inputDir,
		OutputDir:   outputDir,
		IdleTimeout: opts.IdleTimeout,
		Settings:    settings,
	}
	for _, name := range order {
		t := byName[name]
		t.OutputDir = layout.TaskOutputDir(t.Name)
		if t.DependsOn == "" {
			t.InputDir = inputDir
		} else {
			t.InputDir = byName[t.DependsOn].OutputDir
		}
		spec.Tasks = append(spec.Tasks, t)
	}
	return spec, nil
}

func applyDefaults(t *TaskSpec) {
	if t.Kind == "" {
		t.Kind = KindSequential
	}
	if t.OutputExt == "" {
		t.OutputExt = DefaultOutputExt
	}
	if t.Kind == KindConcurrent && t.Concurrency == 0 {
		t.Concurrency = 1
	}
}

func validateTask(t *TaskSpec) error {
	switch {
	case t.Name == "":
		return invalidf("task without a name")
	case strings.ContainsAny(t.Name, `/\`) || strings.HasPrefix(t.Name, "."):
		return invalidf("task name '%s' must not contain path separators or start with '.'", t.Name)
	case !t.Kind.Valid():
		return invalidf("task '%s': unknown kind '%s'", t.Name, t.Kind)
	case t.Logic == "":
		return invalidf("task '%s': logic is required", t.Name)
	}
	if err := validateExt(t.InputExt); err != nil {
		return invalidf("task '%s': input_ext: %v", t.Name, err)
	}
	if err := validateExt(t.OutputExt); err != nil {
		return invalidf("task '%s': output_ext: %v", t.Name, err)
	}
	switch t.Kind {
	case KindConcurrent:
		if t.Concurrency < 1 {
			return invalidf("task '%s': concurrency must be at least 1", t.Name)
		}
	case KindDistributed:
		if t.MaxWorkers < 1 {
			return invalidf("task '%s': max_workers must be at least 1", t.Name)
		}
		if t.MinWorkers < 0 || t.MinWorkers > t.MaxWorkers {
			return invalidf("task '%s': min_workers must be within [0, max_workers]", t.Name)
		}
	}
	if _, err := t.Filters.Build(t.InputExt); err != nil {
		return invalidf("task '%s': filters: %v", t.Name, err)
	}
	return nil
}

func validateExt(ext string) error {
	switch {
	case ext == "":
		return errors.New("must not be empty")
	case !strings.HasPrefix(ext, "."):
		return fmt.Errorf("'%s' must start with '.'", ext)
	case strings.ContainsAny(ext, `/\`):
		return fmt.Errorf("'%s' must not contain path separators", ext)
	case ext == fsstate.MarkerExt:
		return fmt.Errorf("'%s' is reserved for failure markers", ext)
	}
	return nil
}

// treeOrder checks the dependency graph is a rooted tree and returns task
// names root-first, ties broken by name.
func treeOrder(tasks []*TaskSpec, byName map[string]*TaskSpec) ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, t := range tasks {
		if err := g.AddVertex(t.Name); err != nil {
			return nil, fmt.Errorf("add task '%s' to graph: %w", t.Name, err)
		}
	}

	var roots []string
	for _, t := range tasks {
		if t.DependsOn == "" {
			roots = append(roots, t.Name)
			continue
		}
		parent, ok := byName[t.DependsOn]
		if !ok {
			return nil, invalidf("task '%s' depends on unknown task '%s'", t.Name, t.DependsOn)
		}
		if parent.OutputExt != t.InputExt {
			return nil, invalidf("extension mismatch: task '%s' outputs '%s' but its dependent task '%s' expects '%s'",
				parent.Name, parent.OutputExt, t.Name, t.InputExt)
		}
		if err := g.AddEdge(parent.Name, t.Name); err != nil {
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return nil, invalidf("task dependency graph is not a tree: '%s' -> '%s' closes a cycle", parent.Name, t.Name)
			}
			return nil, fmt.Errorf("add dependency '%s' -> '%s': %w", parent.Name, t.Name, err)
		}
	}
	if len(roots) != 1 {
		return nil, invalidf("task dependency graph must have exactly one root, found %d", len(roots))
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("order tasks: %w", err)
	}
	return order, nil
}
