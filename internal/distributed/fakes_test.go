package distributed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/queue"
	"github.com/stretchr/testify/require"
)

// fakeQueue records submissions and cancellations. Jobs stay alive until
// cancelled or killed.
type fakeQueue struct {
	mu        sync.Mutex
	next      int
	submitted []queue.Request
	cancelled []queue.JobID
	alive     map[queue.JobID]bool
	submitErr error
	onSubmit  func(id queue.JobID, req queue.Request)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{alive: make(map[queue.JobID]bool)}
}

func (q *fakeQueue) Submit(_ context.Context, req queue.Request) (queue.JobID, error) {
	q.mu.Lock()
	if q.submitErr != nil {
		err := q.submitErr
		q.mu.Unlock()
		return "", err
	}
	q.next++
	id := queue.JobID(fmt.Sprintf("job-%d", q.next))
	q.submitted = append(q.submitted, req)
	q.alive[id] = true
	hook := q.onSubmit
	q.mu.Unlock()
	if hook != nil {
		hook(id, req)
	}
	return id, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id queue.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	q.alive[id] = false
	return nil
}

func (q *fakeQueue) Alive(_ context.Context, id queue.JobID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.alive[id], nil
}

func (q *fakeQueue) kill(id queue.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alive[id] = false
}

// live counts jobs that are neither cancelled nor killed.
func (q *fakeQueue) live() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ok := range q.alive {
		if ok {
			n++
		}
	}
	return n
}

func (q *fakeQueue) requests() []queue.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Request(nil), q.submitted...)
}

func (q *fakeQueue) cancellations() []queue.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.JobID(nil), q.cancelled...)
}

// fakeConn records what the coordinator sends to one worker.
type fakeConn struct {
	mu   sync.Mutex
	sent []sentEvent
}

type sentEvent struct {
	event string
	msg   Message
}

func (c *fakeConn) Send(event string, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{event, m})
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentEvent(nil), c.sent...)
}

func (c *fakeConn) last() sentEvent {
	ev := c.events()
	if len(ev) == 0 {
		return sentEvent{}
	}
	return ev[len(ev)-1]
}

func newTask(t *testing.T) *config.TaskSpec {
	t.Helper()
	root := t.TempDir()
	spec := &config.TaskSpec{
		Name:       "transcribe",
		Kind:       config.KindDistributed,
		InputExt:   ".txt",
		OutputExt:  ".out",
		Logic:      "echo",
		MinWorkers: 0,
		MaxWorkers: 2,
		InputDir:   filepath.Join(root, "in"),
		OutputDir:  filepath.Join(root, "out", "transcribe"),
	}
	require.NoError(t, os.MkdirAll(spec.InputDir, 0o755))
	require.NoError(t, os.MkdirAll(spec.OutputDir, 0o755))
	return spec
}

func addInput(t *testing.T, spec *config.TaskSpec, name, content string) string {
	t.Helper()
	path := filepath.Join(spec.InputDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.TaskPollInterval = 10 * time.Millisecond
	s.ScaleInterval = 20 * time.Millisecond
	s.WorkerStartupTimeout = time.Second
	s.DrainGrace = time.Second
	return s
}

func newCoordinator(t *testing.T, spec *config.TaskSpec, q queue.Queue) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), CoordinatorOptions{
		Generation: 1,
		Task:       spec,
		Settings:   testSettings(),
		Queue:      q,
		Request:    func(id string) queue.Request { return queue.Request{Name: "worker-" + id} },
	})
	require.NoError(t, err)
	return c
}
