package store

import (
	"sync"

	"github.com/pilsy/normstore/internal/update"
)

// actionQueue is a thread-safe FIFO queue of pending actions.
//
// The queue is unbounded so cascading mutations can enqueue follow-on
// actions without blocking; the bound is enforced on the drain side
// (actions-per-drain), not the enqueue side.
//
// Thread-safety covers external producers (host callbacks, relays from
// sibling store instances) while a single drain loop dequeues. The signal
// channel enables context-aware waiting in Run (buffered, size 1, so
// multiple enqueues coalesce into one wakeup).
type actionQueue struct {
	mu      sync.Mutex
	actions []update.Action
	closed  bool
	signal  chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{
		actions: make([]update.Action, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends actions in order. Returns false if the queue is closed.
func (q *actionQueue) Enqueue(actions ...update.Action) bool {
	if len(actions) == 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.actions = append(q.actions, actions...)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// DequeueUpTo removes and returns at most max actions from the front.
// Returns nil when the queue is empty.
func (q *actionQueue) DequeueUpTo(max int) []update.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.actions) == 0 || max <= 0 {
		return nil
	}
	n := max
	if n > len(q.actions) {
		n = len(q.actions)
	}

	batch := make([]update.Action, n)
	copy(batch, q.actions[:n])

	// Nil out dequeued slots so the backing array does not retain payload
	// references under steady load.
	for i := 0; i < n; i++ {
		q.actions[i] = update.Action{}
	}
	if n == len(q.actions) {
		q.actions = q.actions[:0]
	} else {
		q.actions = q.actions[n:]
	}
	return batch
}

// Wait returns a channel that signals when actions may be available.
// The channel closes when the queue is closed.
func (q *actionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending actions.
func (q *actionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Close marks the queue closed and wakes any waiters.
func (q *actionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
