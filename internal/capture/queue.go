// Package capture implements the outbound half of a voice session: microphone
// frames are metered, encoded to 16 kHz PCM text payloads and handed to the
// remote session without ever blocking the capture side.
//
// Frames travel through a bounded [Queue] with a drop-oldest policy, so a slow
// or stalled session costs stale audio, never memory or capture latency.
package capture

import (
	"sync"

	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// DefaultQueueSize is the outbound queue capacity used when none is given.
const DefaultQueueSize = 32

// Queue is a bounded FIFO of outbound payloads. When full, Push overwrites the
// oldest entry. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []s2s.Blob
	head    int // index of the oldest entry
	n       int // number of queued entries
	dropped int

	// ready holds at most one wake-up token for the consumer.
	ready chan struct{}
}

// NewQueue creates a queue holding at most capacity payloads. A capacity of
// 0 or less defaults to [DefaultQueueSize].
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		buf:   make([]s2s.Blob, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends b. It reports true when the queue was full and the oldest
// payload was discarded to make room.
func (q *Queue) Push(b s2s.Blob) (dropped bool) {
	q.mu.Lock()
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = b
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest payload. ok is false when the queue is
// empty.
func (q *Queue) Pop() (b s2s.Blob, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return s2s.Blob{}, false
	}
	b = q.buf[q.head]
	q.buf[q.head] = s2s.Blob{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return b, true
}

// Ready returns a channel that receives a value after Push. A single token
// may stand for several pushed payloads, so consumers drain with Pop until it
// reports false.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Clear discards every queued payload.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.buf)
	q.head, q.n = 0, 0
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many payloads were overwritten since creation.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
