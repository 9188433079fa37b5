package realtime

import "sync"

// outQueue is the bounded per-connection outbound buffer. On overflow it
// evicts the oldest low-priority message; if none exists the push fails and
// the hub disconnects the client.
type outQueue struct {
	mu     sync.Mutex
	items  []Message
	max    int
	notify chan struct{}
	closed bool
}

func newOutQueue(max int) *outQueue {
	return &outQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push appends a message. Returns false on hard overflow.
func (q *outQueue) push(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true // silently ignore; connection is going away
	}

	if len(q.items) >= q.max {
		if !q.evictLowLocked() {
			return false
		}
	}
	q.items = append(q.items, msg)
	q.signalLocked()
	return true
}

// evictLowLocked removes the oldest low-priority message.
func (q *outQueue) evictLowLocked() bool {
	for i, m := range q.items {
		if m.Metadata.Priority == PriorityLow || m.Metadata.Priority == "" {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outQueue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the head, or false when empty.
func (q *outQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// wait returns a channel signaled when items arrive.
func (q *outQueue) wait() <-chan struct{} {
	return q.notify
}

func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
