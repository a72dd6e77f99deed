package distributed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// AdvertiseHostEnv overrides the host name a client publishes to workers.
const AdvertiseHostEnv = config.EnvPrefix + "ADVERTISE_HOST"

// ErrSuccessorTimeout is returned when a renewal's successor client never
// publishes its address.
var ErrSuccessorTimeout = errors.New("successor client did not start in time")

// RenewalMargin is how long before its wall-clock limit a client starts its
// successor: a tenth of the lifetime, at most one hour.
func RenewalMargin(lifetime time.Duration) time.Duration {
	m := lifetime / 10
	if m > time.Hour {
		m = time.Hour
	}
	return m
}

// Client is the long-lived client job of a distributed task. It hosts the
// coordinator, runs the scaling loop and renews itself before its job
// expires.
type Client struct {
	Task       *config.TaskSpec
	Paths      Paths
	Settings   config.Settings
	Jobs       Jobs
	Queue      queue.Queue
	Generation int
	// Handoff makes the client wait for its predecessor's ledger.
	Handoff bool
	JobID   queue.JobID
	// Listen is the coordinator's listen address; empty means any port.
	Listen string
	Now    func() time.Time
}

// Run serves the task until ctx is cancelled or the client hands over to a
// successor.
func (c *Client) Run(ctx context.Context) error {
	ctx = ctxlog.With(ctx, "task", c.Task.Name, "generation", c.Generation)
	logger := ctxlog.FromContext(ctx)
	now := c.Now
	if now == nil {
		now = time.Now
	}

	coord, err := NewCoordinator(ctx, CoordinatorOptions{
		Generation: c.Generation,
		Task:       c.Task,
		Settings:   c.Settings,
		Queue:      c.Queue,
		Request:    func(id string) queue.Request { return c.Jobs.Worker(id, c.Generation) },
		Now:        now,
	})
	if err != nil {
		return err
	}

	listen := c.Listen
	if listen == "" {
		listen = ":0"
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("coordinator listen: %w", err)
	}
	srv := NewServer(ctx, coord)
	srv.Serve(ln)
	defer func() {
		if err := srv.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Coordinator server shutdown failed.", "error", err)
		}
	}()

	started := now()
	rec := ClientRecord{
		Generation: c.Generation,
		Address:    advertise(ln.Addr()),
		JobID:      c.JobID,
		PID:        os.Getpid(),
		StartedAt:  started,
		RenewAt:    started.Add(c.Settings.ClientLifetime - RenewalMargin(c.Settings.ClientLifetime)),
	}
	if err := fsstate.WriteJSONAtomic(c.Paths.ClientFile(), rec); err != nil {
		return fmt.Errorf("publish client record: %w", err)
	}
	logger.Info("Client started.", "address", rec.Address, "renew_at", rec.RenewAt)

	if c.Handoff && c.Generation > 1 {
		c.adoptLedger(ctx, coord)
	}
	coord.StartAdmission()

	poll := time.NewTicker(c.Settings.TaskPollInterval)
	defer poll.Stop()
	scale := time.NewTicker(c.Settings.ScaleInterval)
	defer scale.Stop()
	renew := time.NewTimer(time.Until(rec.RenewAt))
	defer renew.Stop()
	renewDue := false
	// pending is the successor being started; polling and scaling go on
	// while it comes up.
	var pending *renewal

	c.scale(ctx, coord)
	for {
		var successorUp <-chan error
		if pending != nil {
			successorUp = pending.done
		}
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.abandon(context.WithoutCancel(ctx), c.Queue)
			}
			c.shutdown(context.WithoutCancel(ctx), coord)
			return nil
		case <-poll.C:
			if err := coord.Poll(ctx); err != nil {
				logger.Warn("Poll failed.", "error", err)
			}
		case <-scale.C:
			c.scale(ctx, coord)
			if renewDue && pending == nil {
				pending = c.startSuccessor(ctx)
			}
		case <-renew.C:
			renewDue = true
			if pending == nil {
				pending = c.startSuccessor(ctx)
			}
		case err := <-successorUp:
			r := pending
			pending = nil
			if err == nil {
				err = c.handOver(ctx, coord, r)
			}
			if err != nil {
				r.abandon(context.WithoutCancel(ctx), c.Queue)
				logger.Error("Client renewal failed, retrying at the next scaling check.", "error", err)
				continue
			}
			return nil
		}
	}
}

func (c *Client) scale(ctx context.Context, coord *Coordinator) {
	if err := coord.Poll(ctx); err != nil {
		ctxlog.FromContext(ctx).Warn("Poll failed.", "error", err)
	}
	coord.Scale(ctx)
	if err := fsstate.WriteJSONAtomic(c.Paths.PoolFile(), coord.Snapshot()); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not write pool snapshot.", "error", err)
	}
}

// adoptLedger waits for the predecessor's ledger. Without one the client
// starts empty; the predecessor's workers are adopted when they register.
func (c *Client) adoptLedger(ctx context.Context, coord *Coordinator) {
	logger := ctxlog.FromContext(ctx)
	prev := c.Generation - 1
	deadline := time.Now().Add(c.Settings.WorkerStartupTimeout)
	for {
		ledger, err := c.Paths.ReadHandoff(prev)
		if err != nil {
			logger.Warn("Unreadable hand-off ledger.", "generation", prev, "error", err)
			return
		}
		if ledger != nil {
			coord.Adopt(ledger)
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("No hand-off ledger from the previous client, starting empty.", "generation", prev)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Settings.TaskPollInterval):
		}
	}
}

// renewal is a successor client that was submitted and has not yet
// published its address.
type renewal struct {
	gen   int
	jobID queue.JobID
	done  chan error
}

// abandon cancels the successor's job.
func (r *renewal) abandon(ctx context.Context, q queue.Queue) {
	if err := q.Cancel(ctx, r.jobID); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not cancel successor.", "job_id", r.jobID, "error", err)
	}
}

// startSuccessor submits the next generation and waits for it in the
// background. It returns nil when the submission fails.
func (c *Client) startSuccessor(ctx context.Context) *renewal {
	logger := ctxlog.FromContext(ctx)
	next := c.Generation + 1
	logger.Info("Renewing client.", "successor", next)

	jobID, err := c.Queue.Submit(ctx, c.Jobs.Client(next, true))
	if err != nil {
		logger.Error("Client renewal failed, retrying at the next scaling check.", "error", fmt.Errorf("submit successor: %w", err))
		return nil
	}
	r := &renewal{gen: next, jobID: jobID, done: make(chan error, 1)}
	go func() { r.done <- c.awaitSuccessor(ctx, next) }()
	return r
}

// handOver moves the pool to a successor that is up. On error admission is
// resumed.
func (c *Client) handOver(ctx context.Context, coord *Coordinator, r *renewal) error {
	logger := ctxlog.FromContext(ctx)
	coord.StopAdmission()
	if err := fsstate.WriteJSONAtomic(c.Paths.HandoffFile(c.Generation), coord.Ledger()); err != nil {
		coord.StartAdmission()
		return fmt.Errorf("write hand-off ledger: %w", err)
	}
	coord.Migrate(r.gen)
	logger.Info("Handed over to successor, waiting for workers to leave.", "successor", r.gen, "job_id", r.jobID)

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for coord.Connected() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	return nil
}

func (c *Client) awaitSuccessor(ctx context.Context, gen int) error {
	deadline := time.Now().Add(c.Settings.WorkerStartupTimeout)
	for {
		rec, err := c.Paths.ReadClient()
		if err == nil && rec != nil && rec.Generation >= gen {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrSuccessorTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Settings.TaskPollInterval):
		}
	}
}

// shutdown asks workers to finish their current file, waits up to the drain
// grace and cancels whatever is left.
func (c *Client) shutdown(ctx context.Context, coord *Coordinator) {
	logger := ctxlog.FromContext(ctx)
	coord.StopAdmission()
	jobs := coord.Shutdown()
	logger.Info("Client stopping, draining workers.", "workers", len(jobs))

	deadline := time.Now().Add(c.Settings.DrainGrace)
	for coord.Connected() > 0 && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	for _, id := range jobs {
		if err := c.Queue.Cancel(ctx, id); err != nil {
			logger.Warn("Could not cancel worker job.", "job_id", id, "error", err)
		}
	}
	if err := fsstate.WriteJSONAtomic(c.Paths.PoolFile(), coord.Snapshot()); err != nil {
		logger.Warn("Could not write pool snapshot.", "error", err)
	}
}

func advertise(addr net.Addr) string {
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	host := os.Getenv(AdvertiseHostEnv)
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
