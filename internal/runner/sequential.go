package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/task"
)

// Sequential processes one file at a time in name order. A slow or failing
// file only delays the files after it.
type Sequential struct {
	loop  *Loop
	logic task.Logic
}

// NewSequential builds a sequential runner for spec.
func NewSequential(spec *config.TaskSpec, logic task.Logic, interval time.Duration) (*Sequential, error) {
	loop, err := NewLoop(spec, interval)
	if err != nil {
		return nil, err
	}
	return &Sequential{loop: loop, logic: logic}, nil
}

func (r *Sequential) Name() string   { return r.loop.Spec.Name }
func (r *Sequential) Status() Status { return r.loop.Status() }

func (r *Sequential) Run(ctx context.Context) (err error) {
	ctx = ctxlog.With(ctx, "task", r.Name())
	defer func() { r.loop.Stop(err) }()

	inst, work, err := start(ctx, r.loop, r.logic)
	if err != nil {
		return err
	}
	defer func() { err = stop(work, inst, err) }()

	logger := ctxlog.FromContext(ctx)
	logger.Info("Sequential runner started.", "input_dir", r.loop.Dirs.InputDir)
	for {
		files, err := r.loop.Poll()
		if err != nil {
			logger.Warn("Poll failed.", "error", err)
		}
		for _, f := range files {
			if ctx.Err() != nil {
				break
			}
			if fsstate.Settled(r.loop.Dirs, f) || !r.loop.Admit(f) {
				continue
			}
			processOne(work, r.loop, inst, f)
		}
		if !r.loop.Wait(ctx) {
			logger.Info("Sequential runner stopped.")
			return nil
		}
	}
}

// start prepares the directories and runs the logic's setup. The returned
// context is detached from ctx so in-flight files survive a drain.
func start(ctx context.Context, loop *Loop, logic task.Logic) (*task.Instance, context.Context, error) {
	if err := loop.Prepare(ctx); err != nil {
		return nil, nil, err
	}
	inst, err := task.Start(ctx, logic, loop.Spec.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("task '%s': %w", loop.Spec.Name, err)
	}
	return inst, context.WithoutCancel(ctx), nil
}

func stop(ctx context.Context, inst *task.Instance, runErr error) error {
	if err := inst.Stop(ctx); err != nil {
		ctxlog.FromContext(ctx).Error("Teardown failed.", "error", err)
		if runErr == nil {
			return err
		}
	}
	return runErr
}

func processOne(ctx context.Context, loop *Loop, inst *task.Instance, file string) {
	outcome, _ := inst.Process(ctx, loop.Dirs, file)
	loop.Settle(file, outcome)
}
