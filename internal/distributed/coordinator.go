package distributed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// Conn is the coordinator's handle on one connected worker.
type Conn interface {
	Send(event string, msg Message)
	Close()
}

// WorkerRequest builds the queue request that starts worker id.
type WorkerRequest func(workerID string) queue.Request

// Coordinator owns the pool and the assignment bookkeeping of one client
// generation. Transports call the On* methods; the client calls Poll and
// Scale from its timers.
type Coordinator struct {
	generation int
	dirs       fsstate.Dirs
	queue      queue.Queue
	request    WorkerRequest
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.Mutex
	pool      *Pool
	inflight  map[string]string // input -> worker id
	held      map[string]string // input -> worker id, inherited from the previous generation
	backlog   []string
	admitting bool
	// handedOver is set once workers were told to migrate; their
	// disconnects are expected from then on.
	handedOver bool
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Generation int
	Task       *config.TaskSpec
	Settings   config.Settings
	Queue      queue.Queue
	Request    WorkerRequest
	Now        func() time.Time
}

// NewCoordinator builds a coordinator with an empty pool. Admission starts
// disabled; call StartAdmission once any hand-off ledger has been applied.
func NewCoordinator(ctx context.Context, opts CoordinatorOptions) (*Coordinator, error) {
	dirs, err := opts.Task.Dirs()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		generation: opts.Generation,
		dirs:       dirs,
		queue:      opts.Queue,
		request:    opts.Request,
		now:        now,
		logger:     ctxlog.FromContext(ctx).With("generation", opts.Generation),
		pool:       NewPool(opts.Task.MinWorkers, opts.Task.MaxWorkers, opts.Settings.ScaleWaitCount, opts.Settings.WorkerStartupTimeout),
		inflight:   make(map[string]string),
		held:       make(map[string]string),
	}, nil
}

type outgoing struct {
	conn  Conn
	event string
	msg   Message
}

func flush(out []outgoing) {
	for _, o := range out {
		o.conn.Send(o.event, o.msg)
	}
}

// StartAdmission lets the coordinator hand out files.
func (c *Coordinator) StartAdmission() {
	c.mu.Lock()
	c.admitting = true
	out := c.dispatchLocked()
	c.mu.Unlock()
	flush(out)
}

// StopAdmission stops handing out files. In-flight files are unaffected.
func (c *Coordinator) StopAdmission() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitting = false
}

// OnRegister handles a worker announcing itself. Unknown workers (left over
// from a client that died without a hand-off) are adopted while there is
// room in the pool.
func (c *Coordinator) OnRegister(conn Conn, msg Message) {
	c.mu.Lock()
	var out []outgoing
	defer func() { c.mu.Unlock(); flush(out) }()

	w := c.pool.Get(msg.WorkerID)
	if w == nil {
		if msg.WorkerID == "" || c.pool.Size() >= c.pool.Max {
			c.logger.Warn("Rejecting unknown worker.", "worker", msg.WorkerID, "job_id", msg.JobID)
			out = append(out, outgoing{conn, EventShutdown, Message{WorkerID: msg.WorkerID}})
			return
		}
		w = &Worker{ID: msg.WorkerID, JobID: queue.JobID(msg.JobID)}
		c.pool.Add(w)
		c.logger.Info("Adopted worker from a previous client.", "worker", w.ID, "job_id", w.JobID)
	}
	if w.conn == conn {
		return
	}
	c.bindLocked(w, conn, msg)
	out = c.dispatchLocked()
}

// bindLocked attaches a (re)connected worker to conn and marks it idle. A
// file the worker held on its previous connection goes back to the backlog.
func (c *Coordinator) bindLocked(w *Worker, conn Conn, msg Message) {
	if w.JobID == "" {
		w.JobID = queue.JobID(msg.JobID)
	}
	if old := w.Assignment; old != "" && c.inflight[old] == w.ID {
		delete(c.inflight, old)
		c.backlog = append([]string{old}, c.backlog...)
	}
	w.conn = conn
	w.State = Idle
	w.Assignment = ""
	w.IdleChecks = 0
	w.Since = c.now()
	c.releaseHeldLocked(w.ID)
	c.logger.Info("Worker registered.", "worker", w.ID, "job_id", w.JobID)
}

// OnReady handles a worker asking for its next file.
func (c *Coordinator) OnReady(conn Conn, msg Message) {
	c.mu.Lock()
	var out []outgoing
	defer func() { c.mu.Unlock(); flush(out) }()

	w := c.pool.Get(msg.WorkerID)
	switch {
	case w == nil:
		out = append(out, outgoing{conn, EventShutdown, Message{WorkerID: msg.WorkerID}})
		return
	case w.conn == nil:
		// A ready that overtook its register still names a worker we launched.
		c.bindLocked(w, conn, msg)
		out = c.dispatchLocked()
		return
	case w.conn != conn:
		c.logger.Debug("Ignoring ready from a stale connection.", "worker", w.ID)
		return
	}
	if w.State == Draining {
		return
	}
	if w.Assignment != "" {
		delete(c.inflight, w.Assignment)
		w.Assignment = ""
	}
	if w.State != Idle {
		w.State = Idle
		w.Since = c.now()
	}
	c.releaseHeldLocked(w.ID)
	out = c.dispatchLocked()
}

// OnResult handles a worker reporting a processed file. The worker has
// already settled the file on disk; this only clears bookkeeping.
func (c *Coordinator) OnResult(conn Conn, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.inflight[msg.Input]; ok && owner == msg.WorkerID {
		delete(c.inflight, msg.Input)
	}
	if w := c.pool.Get(msg.WorkerID); w != nil && w.Assignment == msg.Input {
		w.Assignment = ""
	}
	if held, ok := c.held[msg.Input]; ok && held == msg.WorkerID {
		delete(c.held, msg.Input)
	}
	log := c.logger.With("worker", msg.WorkerID, "file", msg.Input, "outcome", msg.Outcome)
	if msg.Error != "" {
		log.Warn("Worker reported a failed file.", "error", msg.Error)
	} else {
		log.Debug("Worker reported a file.")
	}
}

// OnDisconnect handles a lost worker. A file it was processing reverts to
// pending; its job is cancelled in case the process hangs on.
func (c *Coordinator) OnDisconnect(ctx context.Context, conn Conn) {
	c.mu.Lock()
	var lost *Worker
	for _, w := range c.pool.Workers() {
		if w.conn == conn {
			lost = w
			break
		}
	}
	if lost == nil {
		c.mu.Unlock()
		return
	}
	c.pool.Remove(lost.ID)
	expected := c.handedOver || lost.State == Draining
	if lost.Assignment != "" {
		delete(c.inflight, lost.Assignment)
		c.logger.Warn("Worker lost mid-file, file reverts to pending.", "worker", lost.ID, "file", lost.Assignment)
	} else {
		c.logger.Info("Worker disconnected.", "worker", lost.ID, "state", lost.State)
	}
	c.mu.Unlock()

	if !expected && lost.JobID != "" && c.queue != nil {
		if err := c.queue.Cancel(ctx, lost.JobID); err != nil {
			c.logger.Warn("Could not cancel job of lost worker.", "worker", lost.ID, "job_id", lost.JobID, "error", err)
		}
	}
}

// Poll rescans the task's directories, releases inherited entries that have
// settled and hands out files to idle workers.
func (c *Coordinator) Poll(ctx context.Context) error {
	eligible, err := fsstate.Eligible(c.dirs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for input := range c.held {
		if fsstate.Settled(c.dirs, input) {
			delete(c.held, input)
		}
	}
	c.backlog = c.backlog[:0]
	for _, f := range eligible {
		if _, busy := c.inflight[f]; busy {
			continue
		}
		if _, held := c.held[f]; held {
			continue
		}
		c.backlog = append(c.backlog, f)
	}
	c.backlog = c.dirs.Limits.Apply(c.backlog, len(c.inflight)+len(c.held))
	out := c.dispatchLocked()
	c.mu.Unlock()

	flush(out)
	return nil
}

// Scale runs one scaling check: it drops workers that failed to start,
// retires long-idle ones and requests new ones for unserved backlog.
func (c *Coordinator) Scale(ctx context.Context) {
	c.refreshInherited(ctx)

	c.mu.Lock()
	plan := c.pool.Check(len(c.backlog), c.now())
	var out []outgoing
	for _, w := range plan.Retire {
		c.logger.Info("Retiring idle worker.", "worker", w.ID, "idle_checks", w.IdleChecks)
		if w.conn != nil {
			out = append(out, outgoing{w.conn, EventShutdown, Message{WorkerID: w.ID}})
		}
	}
	for _, w := range plan.Expired {
		c.releaseHeldLocked(w.ID)
	}
	c.mu.Unlock()
	flush(out)

	for _, w := range plan.Expired {
		c.logger.Warn("Worker did not register in time, abandoning it.", "worker", w.ID, "job_id", w.JobID, "state", w.State)
		if w.JobID != "" {
			if err := c.queue.Cancel(ctx, w.JobID); err != nil {
				c.logger.Warn("Could not cancel abandoned worker job.", "job_id", w.JobID, "error", err)
			}
		}
	}

	for i := 0; i < plan.Launch; i++ {
		if err := c.launch(ctx); err != nil {
			// The queue is not granting capacity; the backlog waits.
			c.logger.Warn("Could not request worker.", "error", err)
			break
		}
	}
}

func (c *Coordinator) launch(ctx context.Context) error {
	id := uuid.NewString()
	jobID, err := c.queue.Submit(ctx, c.request(id))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pool.Add(&Worker{ID: id, JobID: jobID, State: Starting, Since: c.now()})
	c.mu.Unlock()
	c.logger.Info("Requested worker.", "worker", id, "job_id", jobID)
	return nil
}

// refreshInherited keeps workers inherited mid-file from the previous
// generation alive for as long as their job is: they only register once their
// current file is done, which may take longer than the startup timeout.
func (c *Coordinator) refreshInherited(ctx context.Context) {
	c.mu.Lock()
	holding := make(map[string]queue.JobID)
	for _, id := range c.held {
		if w := c.pool.Get(id); w != nil && w.State == Starting && w.JobID != "" {
			holding[id] = w.JobID
		}
	}
	c.mu.Unlock()

	for id, job := range holding {
		alive, err := c.queue.Alive(ctx, job)
		if err != nil || !alive {
			continue
		}
		c.mu.Lock()
		if w := c.pool.Get(id); w != nil && w.State == Starting {
			w.Since = c.now()
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) releaseHeldLocked(workerID string) {
	for input, id := range c.held {
		if id == workerID {
			delete(c.held, input)
		}
	}
}

// dispatchLocked pairs idle workers with backlog files, one file each.
func (c *Coordinator) dispatchLocked() []outgoing {
	if !c.admitting {
		return nil
	}
	var out []outgoing
	idle := c.pool.IdleWorkers()
	for len(idle) > 0 && len(c.backlog) > 0 {
		input := c.backlog[0]
		c.backlog = c.backlog[1:]
		if _, busy := c.inflight[input]; busy || fsstate.Settled(c.dirs, input) {
			continue
		}
		w := idle[0]
		idle = idle[1:]
		w.State = Busy
		w.Assignment = input
		w.IdleChecks = 0
		w.Since = c.now()
		c.inflight[input] = w.ID
		out = append(out, outgoing{w.conn, EventAssign, Message{WorkerID: w.ID, Input: input}})
	}
	return out
}

// Adopt applies a hand-off ledger: its workers join the pool as starting and
// its in-flight files stay excluded until they settle or their worker
// reports back.
func (c *Coordinator) Adopt(ledger *HandoffLedger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, r := range ledger.Workers {
		if r.State == Draining.String() || r.State == Terminated.String() {
			continue
		}
		// Workers that already registered here are past their old file.
		if c.pool.Get(r.ID) != nil {
			continue
		}
		c.pool.Add(&Worker{ID: r.ID, JobID: r.JobID, State: Starting, Since: now})
	}
	for input, id := range ledger.InFlight {
		// Only workers still expected to report back keep their file.
		if w := c.pool.Get(id); w != nil && w.State == Starting {
			c.held[input] = id
		}
	}
	c.logger.Info("Adopted hand-off ledger.", "from_generation", ledger.Generation, "workers", len(ledger.Workers), "in_flight", len(ledger.InFlight))
}

// Ledger snapshots the pool and in-flight files for a successor. Admission
// must already be stopped so nothing is handed out after the snapshot.
func (c *Coordinator) Ledger() *HandoffLedger {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &HandoffLedger{
		Generation: c.generation,
		WrittenAt:  c.now(),
		InFlight:   make(map[string]string, len(c.inflight)+len(c.held)),
	}
	for _, w := range c.pool.Workers() {
		l.Workers = append(l.Workers, w.record())
	}
	for input, id := range c.held {
		l.InFlight[input] = id
	}
	for input, id := range c.inflight {
		l.InFlight[input] = id
	}
	return l
}

// Migrate tells every connected worker to join generation gen after its
// current file.
func (c *Coordinator) Migrate(gen int) {
	c.mu.Lock()
	c.handedOver = true
	c.mu.Unlock()
	c.broadcast(EventMigrate, Message{Generation: gen})
}

// Shutdown tells every connected worker to exit after its current file and
// returns the job ids of all workers, for cancellation.
func (c *Coordinator) Shutdown() []queue.JobID {
	c.mu.Lock()
	var jobs []queue.JobID
	for _, w := range c.pool.Workers() {
		if w.JobID != "" {
			jobs = append(jobs, w.JobID)
		}
	}
	c.mu.Unlock()
	c.broadcast(EventShutdown, Message{})
	return jobs
}

func (c *Coordinator) broadcast(event string, msg Message) {
	c.mu.Lock()
	var out []outgoing
	for _, w := range c.pool.Workers() {
		if w.conn != nil {
			m := msg
			m.WorkerID = w.ID
			out = append(out, outgoing{w.conn, event, m})
		}
	}
	c.mu.Unlock()
	flush(out)
}

// Connected returns the number of workers with a live connection.
func (c *Coordinator) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.pool.Workers() {
		if w.conn != nil {
			n++
		}
	}
	return n
}

// Snapshot returns the pool view written to pool.json.
func (c *Coordinator) Snapshot() PoolSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := PoolSnapshot{
		Generation: c.generation,
		UpdatedAt:  c.now(),
		Admitting:  c.admitting,
		Backlog:    len(c.backlog),
		InFlight:   len(c.inflight) + len(c.held),
		Size:       c.pool.Size(),
		Workers:    []WorkerRecord{},
	}
	for _, w := range c.pool.Workers() {
		s.Workers = append(s.Workers, w.record())
	}
	return s
}
