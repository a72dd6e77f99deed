package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/task"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Concurrent keeps at most Limit files in flight. Setup and teardown run once
// per runner and every Run call shares the same read-only context.
type Concurrent struct {
	loop  *Loop
	logic task.Logic
	limit int
}

// NewConcurrent builds a concurrent runner bounded by spec.Concurrency.
func NewConcurrent(spec *config.TaskSpec, logic task.Logic, interval time.Duration) (*Concurrent, error) {
	if spec.Concurrency < 1 {
		return nil, fmt.Errorf("task '%s': concurrency must be at least 1", spec.Name)
	}
	loop, err := NewLoop(spec, interval)
	if err != nil {
		return nil, err
	}
	return &Concurrent{loop: loop, logic: logic, limit: spec.Concurrency}, nil
}

func (r *Concurrent) Name() string   { return r.loop.Spec.Name }
func (r *Concurrent) Status() Status { return r.loop.Status() }

func (r *Concurrent) Run(ctx context.Context) (err error) {
	ctx = ctxlog.With(ctx, "task", r.Name())
	defer func() { r.loop.Stop(err) }()

	inst, work, err := start(ctx, r.loop, r.logic)
	if err != nil {
		return err
	}
	defer func() { err = stop(work, inst, err) }()

	logger := ctxlog.FromContext(ctx)
	logger.Info("Concurrent runner started.", "input_dir", r.loop.Dirs.InputDir, "concurrency", r.limit)

	sem := semaphore.NewWeighted(int64(r.limit))
	var g errgroup.Group
	defer g.Wait()

	for {
		files, err := r.loop.Poll()
		if err != nil {
			logger.Warn("Poll failed.", "error", err)
		}
		for _, f := range files {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			// The snapshot may be stale after waiting for a slot.
			if fsstate.Settled(r.loop.Dirs, f) || !r.loop.Admit(f) {
				sem.Release(1)
				continue
			}
			g.Go(func() error {
				defer sem.Release(1)
				processOne(work, r.loop, inst, f)
				return nil
			})
		}
		if !r.loop.Wait(ctx) {
			logger.Info("Concurrent runner stopping, waiting for in-flight files.", "in_flight", r.loop.InFlight())
			return nil
		}
	}
}
