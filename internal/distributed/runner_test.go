package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/fsstate"
	"github.com/specialistvlad/dirflow/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, q queue.Queue) (*Runner, Paths) {
	t.Helper()
	spec := newTask(t)
	paths := Paths{Dir: t.TempDir()}
	r, err := NewRunner(Jobs{
		Executable: "dirflow",
		SpecFile:   "pipeline.json",
		Task:       spec,
		Paths:      paths,
		Settings:   testSettings(),
	}, q)
	require.NoError(t, err)
	return r, paths
}

func runInBackground(t *testing.T, r *Runner) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
			return nil
		}
	}
}

func clientRequests(q *fakeQueue) []queue.Request {
	var out []queue.Request
	for _, req := range q.requests() {
		if req.Args[0] == "client" {
			out = append(out, req)
		}
	}
	return out
}

func TestRunner_SubmitsAndReleasesClient(t *testing.T) {
	// Arrange
	q := newFakeQueue()
	r, paths := newRunner(t, q)
	require.NoError(t, fsstate.WriteJSONAtomic(paths.PoolFile(), PoolSnapshot{
		Generation: 1,
		Workers:    []WorkerRecord{{ID: "w1", JobID: "job-w1", State: "busy"}},
	}))
	q.alive["job-w1"] = true

	// Act
	stop := runInBackground(t, r)
	require.Eventually(t, func() bool { return len(clientRequests(q)) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	// Assert
	req := clientRequests(q)[0]
	assert.Equal(t, "1", argValue(req.Args, "--generation"))
	assert.False(t, hasArg(req.Args, "--handoff"))
	assert.ElementsMatch(t, []queue.JobID{"job-1", "job-w1"}, q.cancellations())
	assert.True(t, r.Status().Stopped)
}

func TestRunner_ResubmitsDeadClient(t *testing.T) {
	q := newFakeQueue()
	r, _ := newRunner(t, q)
	stop := runInBackground(t, r)
	defer stop()
	require.Eventually(t, func() bool { return len(clientRequests(q)) == 1 }, time.Second, 5*time.Millisecond)

	q.kill("job-1")

	require.Eventually(t, func() bool { return len(clientRequests(q)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", argValue(clientRequests(q)[1].Args, "--generation"))
}

func TestRunner_FollowsRenewedClient(t *testing.T) {
	// Arrange
	q := newFakeQueue()
	r, paths := newRunner(t, q)
	stop := runInBackground(t, r)
	defer stop()
	require.Eventually(t, func() bool { return len(clientRequests(q)) == 1 }, time.Second, 5*time.Millisecond)

	// Act: generation 2 takes over and generation 1 exits.
	q.alive["job-successor"] = true
	require.NoError(t, fsstate.WriteJSONAtomic(paths.ClientFile(), ClientRecord{Generation: 2, JobID: "job-successor"}))
	time.Sleep(50 * time.Millisecond)
	q.kill("job-1")
	time.Sleep(50 * time.Millisecond)

	// Assert
	assert.Len(t, clientRequests(q), 1, "a renewal is not a crash")
}

func TestRunner_ReleasesStaleJobsOnStart(t *testing.T) {
	q := newFakeQueue()
	r, paths := newRunner(t, q)
	q.alive["old-client"] = true
	require.NoError(t, fsstate.WriteJSONAtomic(paths.ClientFile(), ClientRecord{Generation: 4, JobID: "old-client"}))

	stop := runInBackground(t, r)
	defer stop()

	require.Eventually(t, func() bool { return len(clientRequests(q)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, q.cancellations(), queue.JobID("old-client"))
	assert.Equal(t, "5", argValue(clientRequests(q)[0].Args, "--generation"))
}

func TestRunner_GivesUpWhenQueueIsUnreachable(t *testing.T) {
	q := newFakeQueue()
	q.submitErr = errors.New("sbatch: error: Slurm controller not responding")
	r, _ := newRunner(t, q)

	err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Contains(t, r.Status().Error, "controller not responding")
}

func TestRunner_StatusMergesPoolSnapshot(t *testing.T) {
	// Arrange
	q := newFakeQueue()
	r, paths := newRunner(t, q)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		addInput(t, r.loop.Spec, name, name)
	}
	require.NoError(t, fsstate.WriteJSONAtomic(paths.PoolFile(), PoolSnapshot{Size: 2, Backlog: 1, InFlight: 2}))

	// Act
	stop := runInBackground(t, r)
	defer stop()

	// Assert
	require.Eventually(t, func() bool { return r.Status().Workers == 2 }, time.Second, 5*time.Millisecond)
	s := r.Status()
	assert.Equal(t, config.KindDistributed, s.Kind)
	assert.Equal(t, 1, s.Backlog)
	assert.Equal(t, 2, s.Running)
	assert.Equal(t, 1, s.Pending)
}
