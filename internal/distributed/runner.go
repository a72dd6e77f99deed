package distributed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
	"github.com/specialistvlad/dirflow/internal/runner"
)

// maxSubmitFailures is how many consecutive client submissions may fail
// before the runner gives up on the queue.
const maxSubmitFailures = 5

// ErrQueueUnavailable is returned when the client job cannot be submitted.
var ErrQueueUnavailable = errors.New("queueing system unavailable")

// Runner is the pipeline-side view of a distributed task. It keeps a client
// job alive, reports the pool from the client's snapshot and releases every
// job on stop. Files are processed by the workers, not by this process.
type Runner struct {
	loop     *runner.Loop
	jobs     Jobs
	queue    queue.Queue
	paths    Paths
	settings config.Settings

	mu         sync.Mutex
	clientJob  queue.JobID
	generation int
	failures   int
	pool       *PoolSnapshot
}

// NewRunner builds the distributed runner for jobs.Task.
func NewRunner(jobs Jobs, q queue.Queue) (*Runner, error) {
	loop, err := runner.NewLoop(jobs.Task, jobs.Settings.TaskPollInterval)
	if err != nil {
		return nil, err
	}
	return &Runner{
		loop:     loop,
		jobs:     jobs,
		queue:    q,
		paths:    jobs.Paths,
		settings: jobs.Settings,
	}, nil
}

func (r *Runner) Name() string { return r.loop.Spec.Name }

// Status merges the loop's disk view with the client's pool snapshot.
func (r *Runner) Status() runner.Status {
	s := r.loop.Status()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		s.Workers = r.pool.Size
		s.Backlog = r.pool.Backlog
		s.Running = r.pool.InFlight
		if s.Pending -= r.pool.InFlight; s.Pending < 0 {
			s.Pending = 0
		}
	}
	return s
}

func (r *Runner) Run(ctx context.Context) (err error) {
	ctx = ctxlog.With(ctx, "task", r.Name())
	defer func() { r.loop.Stop(err) }()
	logger := ctxlog.FromContext(ctx)

	if err := r.loop.Prepare(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(r.paths.Dir, 0o755); err != nil {
		return fmt.Errorf("create task state dir: %w", err)
	}
	release := context.WithoutCancel(ctx)
	r.releaseStale(release)
	defer r.release(release)

	if err := r.submit(ctx); err != nil {
		return err
	}
	logger.Info("Distributed runner started.", "input_dir", r.loop.Dirs.InputDir,
		"min_workers", r.loop.Spec.MinWorkers, "max_workers", r.loop.Spec.MaxWorkers)

	for {
		if _, err := r.loop.Poll(); err != nil {
			logger.Warn("Poll failed.", "error", err)
		}
		r.refreshPool(ctx)
		if err := r.superviseClient(ctx); err != nil {
			return err
		}
		if !r.loop.Wait(ctx) {
			logger.Info("Distributed runner stopping, releasing jobs.")
			return nil
		}
	}
}

func (r *Runner) submit(ctx context.Context) error {
	r.mu.Lock()
	gen := r.generation + 1
	r.mu.Unlock()

	id, err := r.queue.Submit(ctx, r.jobs.Client(gen, false))
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		if r.failures >= maxSubmitFailures {
			return fmt.Errorf("%w: %d client submissions failed, last: %v", ErrQueueUnavailable, r.failures, err)
		}
		ctxlog.FromContext(ctx).Warn("Client submission failed, retrying at the next poll.", "error", err)
		return nil
	}
	r.failures = 0
	r.generation = gen
	r.clientJob = id
	ctxlog.FromContext(ctx).Info("Submitted client job.", "generation", gen, "job_id", id)
	return nil
}

// superviseClient resubmits the client when it died outside a renewal.
// Renewals are followed through client.json: the newest generation on disk
// is the one supervised.
func (r *Runner) superviseClient(ctx context.Context) error {
	rec, err := r.paths.ReadClient()
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Unreadable client record.", "error", err)
	}

	r.mu.Lock()
	if rec != nil && rec.Generation >= r.generation {
		r.generation = rec.Generation
		r.clientJob = rec.JobID
	}
	job := r.clientJob
	r.mu.Unlock()

	if job != "" {
		alive, err := r.queue.Alive(ctx, job)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Could not query client job.", "job_id", job, "error", err)
			return nil
		}
		if alive {
			return nil
		}
		ctxlog.FromContext(ctx).Warn("Client job is gone, resubmitting.", "job_id", job)
	}
	return r.submit(ctx)
}

func (r *Runner) refreshPool(ctx context.Context) {
	snap, err := r.paths.ReadPool()
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Unreadable pool snapshot.", "error", err)
		return
	}
	r.mu.Lock()
	r.pool = snap
	r.mu.Unlock()
}

// releaseStale cancels jobs left over from a previous pipeline run.
func (r *Runner) releaseStale(ctx context.Context) {
	rec, _ := r.paths.ReadClient()
	if rec == nil {
		return
	}
	r.mu.Lock()
	r.generation = rec.Generation
	r.mu.Unlock()
	ctxlog.FromContext(ctx).Info("Releasing jobs of a previous run.", "generation", rec.Generation)
	r.cancel(ctx, append([]queue.JobID{rec.JobID}, r.recordedWorkers()...))
}

// release cancels the client, which drains its workers, then any worker
// job still on record.
func (r *Runner) release(ctx context.Context) {
	r.mu.Lock()
	client := r.clientJob
	r.mu.Unlock()
	var jobs []queue.JobID
	if client != "" {
		jobs = append(jobs, client)
	}
	r.cancel(ctx, jobs)
	r.cancel(ctx, r.recordedWorkers())
}

// recordedWorkers lists worker jobs from the pool snapshot and every
// hand-off ledger.
func (r *Runner) recordedWorkers() []queue.JobID {
	seen := make(map[queue.JobID]bool)
	var out []queue.JobID
	add := func(ws []WorkerRecord) {
		for _, w := range ws {
			if w.JobID != "" && !seen[w.JobID] {
				seen[w.JobID] = true
				out = append(out, w.JobID)
			}
		}
	}
	if snap, _ := r.paths.ReadPool(); snap != nil {
		add(snap.Workers)
	}
	ledgers, _ := filepath.Glob(filepath.Join(r.paths.Dir, "handoff-*.json"))
	for _, path := range ledgers {
		var l HandoffLedger
		if err := fsstate.ReadJSON(path, &l); err == nil {
			add(l.Workers)
		}
	}
	return out
}

func (r *Runner) cancel(ctx context.Context, jobs []queue.JobID) {
	logger := ctxlog.FromContext(ctx)
	for _, id := range jobs {
		if id == "" {
			continue
		}
		alive, err := r.queue.Alive(ctx, id)
		if err == nil && !alive {
			continue
		}
		if err := r.queue.Cancel(ctx, id); err != nil {
			logger.Warn("Could not cancel job.", "job_id", id, "error", err)
		}
	}
}
