package ingest

import "sync"

// busMessage is one raw message lifted off the bus callback.
type busMessage struct {
	Topic   string
	Payload []byte
}

// messageQueue is a bounded FIFO written by the bus callback and drained by
// the evaluation tick. On overflow the oldest message is dropped: the tick
// only cares about the latest value per address anyway.
type messageQueue struct {
	mu      sync.Mutex
	buf     []busMessage
	max     int
	dropped uint64
}

func newMessageQueue(max int) *messageQueue {
	return &messageQueue{max: max}
}

// Push enqueues without blocking. Returns false when the oldest message had
// to be evicted to make room.
func (q *messageQueue) Push(msg busMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := true
	if len(q.buf) >= q.max {
		q.buf = q.buf[1:]
		q.dropped++
		kept = false
	}
	q.buf = append(q.buf, msg)
	return kept
}

// Drain returns everything queued so far and resets the queue. Never blocks.
func (q *messageQueue) Drain() []busMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.buf
	q.buf = nil
	return out
}

// Dropped reports how many messages overflow has evicted since startup.
func (q *messageQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
