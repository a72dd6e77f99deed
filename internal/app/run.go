package app

import (
	"context"
	"fmt"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/pipeline"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// Run loads the pipeline config, starts the orchestrator and blocks until
// it stops. A signal-driven stop is returned as *pipeline.SignalError.
func (a *App) Run(ctx context.Context, rc *RunConfig) error {
	ctx = a.context(ctx)
	a.logger.Debug("App.Run method started.", "config", rc.ConfigPath)

	settings, err := config.SettingsFromEnv()
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	spec, err := config.LoadPipeline(ctx, rc.ConfigPath, config.Options{
		InputDir:    rc.InputDir,
		OutputDir:   rc.OutputDir,
		IdleTimeout: rc.IdleTimeout,
		Settings:    settings,
	})
	if err != nil {
		return err
	}
	a.logger.Debug("Pipeline loaded.", "tasks", len(spec.Tasks))

	deps := pipeline.Deps{Registry: a.registry, QueueKind: a.config.QueueKind}
	if hasDistributed(spec) {
		if deps.Queue, err = queue.New(a.config.QueueKind); err != nil {
			return err
		}
	}
	p, err := pipeline.New(spec, deps)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	srv := a.startHealthCheckServer(ctx, rc.HealthcheckPort, p)
	defer a.closeHealthCheckServer(ctx, srv)

	a.logger.Info("🚀 Pipeline running.", "input_dir", spec.InputDir, "output_dir", spec.OutputDir)
	err = p.Run(ctx)
	a.logger.Info("🏁 Pipeline finished.")
	return err
}

func hasDistributed(spec *config.PipelineSpec) bool {
	for _, t := range spec.Tasks {
		if t.Kind == config.KindDistributed {
			return true
		}
	}
	return false
}
