package distributed

import "sync"

// sequencer runs the events of one connection in the order they were sent.
// The socket.io server hands every event to its own goroutine, so events are
// stamped with Message.Seq by the sender and put back in order here.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]func()
	running bool
	closed  bool
}

// deliver runs handle once every event stamped before seq has run. Unstamped
// events run at once.
func (q *sequencer) deliver(seq uint64, handle func()) {
	if seq == 0 {
		handle()
		return
	}
	q.mu.Lock()
	if q.next == 0 {
		q.next = 1
	}
	if q.closed || seq < q.next {
		q.mu.Unlock()
		return
	}
	if q.pending == nil {
		q.pending = make(map[uint64]func())
	}
	q.pending[seq] = handle
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for {
		h, ok := q.pending[q.next]
		if !ok || q.closed {
			q.running = false
			q.mu.Unlock()
			return
		}
		delete(q.pending, q.next)
		q.next++
		q.mu.Unlock()
		h()
		q.mu.Lock()
	}
}

// close drops events still waiting for a predecessor and runs handle.
// Later events are ignored.
func (q *sequencer) close(handle func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	handle()
}

// stamper numbers outgoing events of one connection.
type stamper struct {
	mu   sync.Mutex
	last uint64
}

// send stamps m and emits it while holding the lock, so stamps leave in order.
func (s *stamper) send(m Message, emit func(Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	m.Seq = s.last
	return emit(m)
}
