package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/distributed"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
	"github.com/specialistvlad/dirflow/internal/runner"
	"github.com/specialistvlad/dirflow/internal/task"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned by Start when a live pipeline owns the
	// output directory.
	ErrAlreadyRunning = errors.New("a pipeline is already running on this output directory")
	// ErrRunnersStopped is returned by Run when every runner stopped on its
	// own.
	ErrRunnersStopped = errors.New("every runner stopped")
)

// SignalError reports a pipeline that drained because of a signal.
type SignalError struct {
	Signal syscall.Signal
}

func (e *SignalError) Error() string { return fmt.Sprintf("pipeline stopped by %s", e.Signal) }

// ExitCode follows the shell convention for signal deaths.
func (e *SignalError) ExitCode() int { return 128 + int(e.Signal) }

// Deps are the collaborators a pipeline is built with.
type Deps struct {
	Registry *task.Registry
	// Queue and QueueKind are only needed by distributed tasks.
	Queue     queue.Queue
	QueueKind string
	// Executable is the dirflow binary that client and worker jobs run.
	Executable string
}

// Pipeline is a validated spec with one runner per task.
type Pipeline struct {
	spec    *config.PipelineSpec
	layout  fsstate.Layout
	deps    Deps
	runners []runner.Runner
	signals chan os.Signal
}

// New builds one runner per task in root-first order. Nothing is started and
// nothing is written.
func New(spec *config.PipelineSpec, deps Deps) (*Pipeline, error) {
	if deps.Registry == nil {
		deps.Registry = task.DefaultRegistry()
	}
	p := &Pipeline{
		spec:    spec,
		layout:  fsstate.NewLayout(spec.OutputDir),
		deps:    deps,
		signals: make(chan os.Signal, 2),
	}
	for _, t := range spec.Tasks {
		r, err := p.newRunner(t)
		if err != nil {
			return nil, err
		}
		p.runners = append(p.runners, r)
	}
	return p, nil
}

func (p *Pipeline) newRunner(t *config.TaskSpec) (runner.Runner, error) {
	if t.Kind == config.KindDistributed {
		if p.deps.Queue == nil {
			return nil, fmt.Errorf("task '%s': distributed tasks need a queue", t.Name)
		}
		exe := p.deps.Executable
		if exe == "" {
			var err error
			if exe, err = os.Executable(); err != nil {
				return nil, fmt.Errorf("task '%s': locate dirflow binary: %w", t.Name, err)
			}
		}
		return distributed.NewRunner(distributed.Jobs{
			Executable: exe,
			SpecFile:   p.layout.SpecFile(),
			Task:       t,
			Paths:      distributed.PathsFor(p.layout, t.Name),
			Settings:   p.spec.Settings,
			QueueKind:  p.deps.QueueKind,
		}, p.deps.Queue)
	}
	logic, err := p.deps.Registry.New(t.Logic, t.Params)
	if err != nil {
		return nil, fmt.Errorf("task '%s': %w", t.Name, err)
	}
	return runner.NewLocal(t, logic, p.spec.Settings.TaskPollInterval)
}

// Spec returns the pipeline spec.
func (p *Pipeline) Spec() *config.PipelineSpec { return p.spec }

// Layout returns the output directory layout.
func (p *Pipeline) Layout() fsstate.Layout { return p.layout }

// Status returns the live view of every runner, root first.
func (p *Pipeline) Status() []runner.Status {
	out := make([]runner.Status, 0, len(p.runners))
	for _, r := range p.runners {
		out = append(out, r.Status())
	}
	return out
}

// Start validates every task, claims the output directory and installs
// signal handling. On error nothing has been started.
func (p *Pipeline) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	// A live pipeline is refused before any validation work.
	rec, err := fsstate.ReadPID(p.layout.PIDFile())
	if err != nil {
		return err
	}
	if rec != nil && rec.PID != os.Getpid() {
		if fsstate.Alive(rec.PID) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, rec.PID)
		}
		logger.Info("Removing stale pid record.", "pid", rec.PID)
	}

	if err := p.validate(ctx); err != nil {
		return err
	}
	logger.Debug("All task logics validated.", "tasks", len(p.spec.Tasks))

	for _, t := range p.spec.Tasks {
		if err := os.MkdirAll(t.OutputDir, 0o755); err != nil {
			return fmt.Errorf("task '%s': create output dir: %w", t.Name, err)
		}
	}
	if err := os.MkdirAll(p.layout.StateDir(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := fsstate.WritePID(p.layout.PIDFile(), p.spec.ConfigPath); err != nil {
		return fmt.Errorf("write pid record: %w", err)
	}
	if err := fsstate.WriteJSONAtomic(p.layout.SpecFile(), p.spec); err != nil {
		_ = fsstate.RemovePID(p.layout.PIDFile())
		return fmt.Errorf("freeze pipeline spec: %w", err)
	}

	signal.Notify(p.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	logger.Info("Pipeline started.", "output_dir", p.spec.OutputDir, "tasks", len(p.runners), "pid", os.Getpid())
	return nil
}

// validate runs every task's own check concurrently, each under the
// validation timeout.
func (p *Pipeline) validate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range p.spec.Tasks {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, p.spec.Settings.ValidationTimeout)
			defer cancel()
			if err := p.deps.Registry.Validate(vctx, t.Logic, t.Params); err != nil {
				return fmt.Errorf("task '%s': %w", t.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run executes every runner until ctx is cancelled, a signal arrives, the
// idle timeout fires or every runner has stopped. A signal drain returns a
// *SignalError.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	defer signal.Stop(p.signals)
	defer func() {
		if err := fsstate.RemovePID(p.layout.PIDFile()); err != nil {
			logger.Warn("Could not remove pid record.", "error", err)
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	for _, r := range p.runners {
		wg.Add(1)
		go func(r runner.Runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil {
				// Only this task stops; the others keep going.
				logger.Error("Runner stopped with an error.", "task", r.Name(), "error", err)
			}
		}(r)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	ticker := time.NewTicker(p.spec.Settings.PipelinePollInterval)
	defer ticker.Stop()
	idle := newIdleTracker(p.spec.IdleTimeout, time.Now())

	for {
		select {
		case <-finished:
			p.writeStatus(ctx)
			return ErrRunnersStopped
		case <-ctx.Done():
			return p.drain(ctx, stop, finished, nil)
		case sig := <-p.signals:
			logger.Info("Received signal, draining.", "signal", sig.String())
			return p.drain(ctx, stop, finished, sig)
		case now := <-ticker.C:
			statuses := p.writeStatus(ctx)
			if idle.observe(now, statuses, inputFingerprint(p.spec.InputDir)) {
				logger.Info("No activity within the idle timeout, closing pipeline.", "idle_timeout", p.spec.IdleTimeout)
				return p.drain(ctx, stop, finished, nil)
			}
		}
	}
}

// drain stops admission and waits for in-flight work for up to the drain
// grace. A second signal cuts the wait short.
func (p *Pipeline) drain(ctx context.Context, stop context.CancelFunc, finished <-chan struct{}, sig os.Signal) error {
	logger := ctxlog.FromContext(ctx)
	stop()
	grace := time.NewTimer(p.spec.Settings.DrainGrace)
	defer grace.Stop()

	select {
	case <-finished:
		logger.Info("Pipeline drained.")
	case <-grace.C:
		logger.Warn("Drain grace exceeded, abandoning in-flight work.", "grace", p.spec.Settings.DrainGrace)
	case again := <-p.signals:
		logger.Warn("Second signal, abandoning in-flight work.", "signal", again.String())
	}
	p.writeStatus(ctx)

	if s, ok := sig.(syscall.Signal); ok {
		return &SignalError{Signal: s}
	}
	return nil
}

func (p *Pipeline) writeStatus(ctx context.Context) []runner.Status {
	statuses := p.Status()
	if err := fsstate.WriteJSONAtomic(p.layout.StatusFile(), statuses); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not write status record.", "error", err)
	}
	return statuses
}
