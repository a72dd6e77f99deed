package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/task"
)

// App holds the logger, task registry and shared settings of one dirflow
// process.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *task.Registry
	config   *Config
}

// NewApp builds an App logging to outW. A nil registry means every built-in
// task logic.
func NewApp(outW io.Writer, cfg *Config, registry *task.Registry) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")
	if registry == nil {
		registry = task.DefaultRegistry()
	}
	logger.Debug("Task logics registered.", "names", registry.Names())
	return &App{
		outW:     outW,
		logger:   logger,
		registry: registry,
		config:   cfg,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *task.Registry {
	return a.registry
}

func (a *App) context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// frozenTask reads the pipeline frozen under specPath and picks name out of
// it.
func frozenTask(specPath, name string) (*config.PipelineSpec, *config.TaskSpec, fsstate.Layout, error) {
	spec, err := config.ReadSpec(specPath)
	if err != nil {
		return nil, nil, fsstate.Layout{}, fmt.Errorf("read frozen pipeline: %w", err)
	}
	t := spec.Task(name)
	if t == nil {
		return nil, nil, fsstate.Layout{}, fmt.Errorf("task '%s' is not part of the pipeline in %s", name, specPath)
	}
	return spec, t, fsstate.NewLayout(spec.OutputDir), nil
}

func executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate dirflow binary: %w", err)
	}
	return exe, nil
}
