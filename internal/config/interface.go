package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/fsutil"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads the task definitions from path. Directories are not
	// resolved and nothing is validated beyond the format itself.
	Load(ctx context.Context, path string) ([]*TaskSpec, error)
}

// LoaderFor picks a loader from the file extension.
func LoaderFor(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return NewHCLLoader(), nil
	case ".yaml", ".yml":
		return NewYAMLLoader(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported config format '%s' (want .hcl, .yaml or .yml)", ErrInvalid, filepath.Ext(path))
	}
}

// Options are the run-time inputs that complete a pipeline definition.
type Options struct {
	InputDir    string
	OutputDir   string
	IdleTimeout time.Duration
	Settings    Settings
}

// LoadPipeline loads, validates and resolves the pipeline at path. A
// directory is read as every .hcl, .yaml and .yml file below it, merged into
// one pipeline.
func LoadPipeline(ctx context.Context, path string, opts Options) (*PipelineSpec, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	var tasks []*TaskSpec
	for _, f := range files {
		loader, err := LoaderFor(f)
		if err != nil {
			return nil, err
		}
		loaded, err := loader.Load(ctx, f)
		if err != nil {
			return nil, err
		}
		logger.Debug("Pipeline config decoded.", "path", f, "tasks", len(loaded))
		tasks = append(tasks, loaded...)
	}

	spec, err := Build(tasks, opts)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		spec.ConfigPath = abs
	} else {
		spec.ConfigPath = path
	}
	return spec, nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := fsutil.FindFiles(path, ".hcl", ".yaml", ".yml")
	if err != nil {
		return nil, fmt.Errorf("scan config dir %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, invalidf("no .hcl, .yaml or .yml files in %s", path)
	}
	return files, nil
}

// ReadSpec loads a pipeline frozen by a running orchestrator. It is how
// client, worker and status processes see the exact pipeline that was
// started.
func ReadSpec(path string) (*PipelineSpec, error) {
	var spec PipelineSpec
	if err := fsstate.ReadJSON(path, &spec); err != nil {
		return nil, err
	}
	if len(spec.Tasks) == 0 {
		return nil, invalidf("frozen pipeline %s has no tasks", path)
	}
	return &spec, nil
}
