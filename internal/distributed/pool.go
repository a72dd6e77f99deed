package distributed

import (
	"sort"
	"time"

	"github.com/specialistvlad/dirflow/internal/queue"
)

// WorkerState is the lifecycle of a remote worker.
type WorkerState int

const (
	// Starting workers were requested from the queue but have not
	// registered yet.
	Starting WorkerState = iota
	Idle
	Busy
	// Draining workers were told to shut down and no longer count towards
	// the pool size.
	Draining
	Terminated
)

func (s WorkerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	default:
		return "terminated"
	}
}

// Worker is the pool's view of one worker job.
type Worker struct {
	ID         string
	JobID      queue.JobID
	State      WorkerState
	Assignment string
	// IdleChecks counts consecutive scaling checks that found the worker idle.
	IdleChecks int
	// Since is when the worker entered its current state.
	Since time.Time

	conn Conn
}

func (w *Worker) record() WorkerRecord {
	return WorkerRecord{
		ID:         w.ID,
		JobID:      w.JobID,
		State:      w.State.String(),
		Assignment: w.Assignment,
		IdleChecks: w.IdleChecks,
		Since:      w.Since,
	}
}

// Pool is the bounded set of workers of one distributed task. It holds no
// locks; the Coordinator serialises access.
type Pool struct {
	Min            int
	Max            int
	WaitCount      int
	StartupTimeout time.Duration

	workers map[string]*Worker
}

// NewPool returns an empty pool.
func NewPool(min, max, waitCount int, startupTimeout time.Duration) *Pool {
	return &Pool{
		Min:            min,
		Max:            max,
		WaitCount:      waitCount,
		StartupTimeout: startupTimeout,
		workers:        make(map[string]*Worker),
	}
}

// Plan is the outcome of one scaling check.
type Plan struct {
	// Launch is the number of new workers to request.
	Launch int
	// Retire are idle workers to shut down; they are already Draining.
	Retire []*Worker
	// Expired are workers that never registered (or drained) in time; they
	// are already removed from the pool and their jobs should be cancelled.
	Expired []*Worker
}

// Add puts w into the pool.
func (p *Pool) Add(w *Worker) { p.workers[w.ID] = w }

// Get returns the worker with id, or nil.
func (p *Pool) Get(id string) *Worker { return p.workers[id] }

// Remove drops the worker with id.
func (p *Pool) Remove(id string) { delete(p.workers, id) }

// Size counts workers that occupy a slot: starting, idle and busy.
func (p *Pool) Size() int {
	n := 0
	for _, w := range p.workers {
		if w.State <= Busy {
			n++
		}
	}
	return n
}

// Count returns the number of workers in state s.
func (p *Pool) Count(s WorkerState) int {
	n := 0
	for _, w := range p.workers {
		if w.State == s {
			n++
		}
	}
	return n
}

// Workers lists every worker ordered by id.
func (p *Pool) Workers() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IdleWorkers lists idle workers, longest idle first.
func (p *Pool) IdleWorkers() []*Worker {
	var out []*Worker
	for _, w := range p.Workers() {
		if w.State == Idle {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Check runs one scaling check against the current backlog.
//
// Starting workers past the startup timeout are dropped. The pool grows when
// there is backlog nobody can take (no idle worker and not enough workers
// already starting) and never beyond Max. An idle worker is retired only
// after WaitCount consecutive idle checks, and never below Min.
func (p *Pool) Check(backlog int, now time.Time) Plan {
	var plan Plan

	for _, w := range p.Workers() {
		switch w.State {
		case Starting:
			if now.Sub(w.Since) > p.StartupTimeout {
				p.Remove(w.ID)
				plan.Expired = append(plan.Expired, w)
			}
		case Draining:
			if now.Sub(w.Since) > p.StartupTimeout {
				p.Remove(w.ID)
				plan.Expired = append(plan.Expired, w)
			}
		case Idle:
			w.IdleChecks++
		case Busy:
			w.IdleChecks = 0
		}
	}

	size := p.Size()
	idle := p.IdleWorkers()

	need := 0
	if backlog > 0 && len(idle) == 0 {
		need = backlog - p.Count(Starting)
	}
	if room := p.Max - size; need > room {
		need = room
	}
	if short := p.Min - size; short > need {
		need = short
	}
	if need > 0 {
		plan.Launch = need
	}

	for _, w := range idle {
		if size <= p.Min {
			break
		}
		if w.IdleChecks >= p.WaitCount {
			w.State = Draining
			w.Since = now
			plan.Retire = append(plan.Retire, w)
			size--
		}
	}
	return plan
}
