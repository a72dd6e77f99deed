package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/task"
)

// Agent is the worker job: it sets the task logic up once, then pulls files
// from whichever client generation is current until told to shut down.
type Agent struct {
	ID       string
	JobID    string
	Task     *config.TaskSpec
	Logic    task.Logic
	Paths    Paths
	Settings config.Settings
	Dial     Dialer
	// Generation is the client generation that requested this worker.
	Generation int
}

type delivery struct {
	session int
	event   string
	msg     Message
}

type result struct {
	input   string
	outcome task.Outcome
	err     error
}

// Run serves assignments until shutdown, ctx cancellation or the loss of
// every coordinator for longer than the worker startup timeout.
func (a *Agent) Run(ctx context.Context) error {
	ctx = ctxlog.With(ctx, "task", a.Task.Name, "worker", a.ID)
	logger := ctxlog.FromContext(ctx)

	dirs, err := a.Task.Dirs()
	if err != nil {
		return err
	}
	inst, err := task.Start(ctx, a.Logic, a.Task.Params)
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Task teardown failed.", "error", err)
		}
	}()

	events := make(chan delivery, 16)
	results := make(chan result, 1)
	session := 0
	var link Link
	defer func() {
		if link != nil {
			link.Close()
		}
	}()

	connect := func(minGen int) error {
		if link != nil {
			link.Close()
			link = nil
		}
		session++
		s := session
		deliver := func(event string, m Message) {
			select {
			case events <- delivery{s, event, m}:
			case <-ctx.Done():
			}
		}
		l, gen, err := a.connect(ctx, minGen, deliver)
		if err != nil {
			return err
		}
		link = l
		a.Generation = gen
		// The coordinator dispatches on register; no ready follows it.
		return link.Send(EventRegister, Message{WorkerID: a.ID, JobID: a.JobID})
	}

	if err := connect(a.Generation); err != nil {
		return err
	}
	logger.Info("Worker joined coordinator.", "generation", a.Generation)

	var (
		busy         string
		migrateTo    int
		shuttingDown bool
		lost         bool
	)
	// next decides what to do once the worker holds no file.
	next := func() (bool, error) {
		switch {
		case shuttingDown:
			return true, nil
		case lost:
			lost = false
			logger.Warn("Lost coordinator, looking for a client.")
			if err := connect(a.Generation); err != nil {
				return true, fmt.Errorf("no coordinator to rejoin: %w", err)
			}
		case migrateTo > 0:
			gen := migrateTo
			migrateTo = 0
			if err := connect(gen); err != nil {
				return true, fmt.Errorf("migrate to generation %d: %w", gen, err)
			}
			logger.Info("Worker migrated.", "generation", a.Generation)
		default:
			return false, link.Send(EventReady, Message{WorkerID: a.ID, JobID: a.JobID})
		}
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			if busy != "" {
				// Process sees the cancellation and leaves the file pending.
				<-results
			}
			return nil

		case r := <-results:
			busy = ""
			msg := Message{WorkerID: a.ID, Input: r.input, Outcome: r.outcome.String()}
			if r.err != nil {
				msg.Error = r.err.Error()
			}
			if !lost {
				if err := link.Send(EventResult, msg); err != nil {
					logger.Warn("Could not report result.", "file", r.input, "error", err)
				}
			}
			done, err := next()
			if done || err != nil {
				return err
			}

		case d := <-events:
			if d.session != session {
				continue
			}
			switch d.event {
			case EventAssign:
				if busy != "" {
					logger.Warn("Ignoring assignment while busy.", "file", d.msg.Input, "busy", busy)
					continue
				}
				busy = d.msg.Input
				go func(input string) {
					outcome, err := inst.Process(ctx, dirs, input)
					results <- result{input, outcome, err}
				}(busy)
			case EventMigrate:
				migrateTo = d.msg.Generation
			case EventShutdown:
				shuttingDown = true
			case EventDisconnect:
				lost = true
			}
			if busy == "" && d.event != EventAssign {
				done, err := next()
				if done || err != nil {
					return err
				}
			}
		}
	}
}

// connect waits for a client of at least generation minGen to publish its
// address and dials it. It gives up after the worker startup timeout.
func (a *Agent) connect(ctx context.Context, minGen int, deliver func(string, Message)) (Link, int, error) {
	logger := ctxlog.FromContext(ctx)
	deadline := time.Now().Add(a.Settings.WorkerStartupTimeout)
	var lastErr error
	for {
		rec, err := a.Paths.ReadClient()
		switch {
		case err != nil:
			lastErr = err
		case rec == nil || rec.Generation < minGen:
			lastErr = fmt.Errorf("no client of generation %d yet", minGen)
		default:
			link, err := a.Dial(ctx, rec.Address, deliver)
			if err == nil {
				return link, rec.Generation, nil
			}
			lastErr = err
			logger.Debug("Client not reachable yet.", "address", rec.Address, "error", err)
		}
		if time.Now().After(deadline) {
			return nil, 0, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(a.Settings.TaskPollInterval):
		}
	}
}
