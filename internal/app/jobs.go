package app

import (
	"context"

	"github.com/specialistvlad/dirflow/internal/distributed"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// RunClient runs the client job of a distributed task.
func (a *App) RunClient(ctx context.Context, cc *ClientConfig) error {
	ctx = a.context(ctx)
	spec, t, layout, err := frozenTask(cc.SpecPath, cc.Task)
	if err != nil {
		return err
	}
	q, err := queue.New(a.config.QueueKind)
	if err != nil {
		return err
	}
	exe, err := executable()
	if err != nil {
		return err
	}
	paths := distributed.PathsFor(layout, t.Name)
	c := &distributed.Client{
		Task:     t,
		Paths:    paths,
		Settings: spec.Settings,
		Jobs: distributed.Jobs{
			Executable: exe,
			SpecFile:   cc.SpecPath,
			Task:       t,
			Paths:      paths,
			Settings:   spec.Settings,
			QueueKind:  a.config.QueueKind,
		},
		Queue:      q,
		Generation: cc.Generation,
		Handoff:    cc.Handoff,
		JobID:      distributed.JobID(),
	}
	return c.Run(ctx)
}

// RunWorker runs one worker job of a distributed task. The task logic is
// built here so a missing logic fails the job before it registers.
func (a *App) RunWorker(ctx context.Context, wc *WorkerConfig) error {
	ctx = a.context(ctx)
	spec, t, layout, err := frozenTask(wc.SpecPath, wc.Task)
	if err != nil {
		return err
	}
	logic, err := a.registry.New(t.Logic, t.Params)
	if err != nil {
		return err
	}
	agent := &distributed.Agent{
		ID:         wc.WorkerID,
		JobID:      string(distributed.JobID()),
		Task:       t,
		Logic:      logic,
		Paths:      distributed.PathsFor(layout, t.Name),
		Settings:   spec.Settings,
		Dial:       distributed.DialSocketIO,
		Generation: wc.Generation,
	}
	return agent.Run(ctx)
}
