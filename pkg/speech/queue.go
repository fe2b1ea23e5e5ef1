package speech

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Unit is one queued span of speakable text. Units are never mutated once enqueued.
type Unit struct {
	ID        string
	Text      string
	Voice     string
	CreatedAt time.Time
}

// NewUnit stamps a unit with a fresh id.
func NewUnit(text, voice string, now time.Time) Unit {
	return Unit{
		ID:        uuid.NewString(),
		Text:      text,
		Voice:     voice,
		CreatedAt: now,
	}
}

type QueueStats struct {
	Enqueued int64
	Dequeued int64
	Cleared  int64
}

// Queue is a strict FIFO of units awaiting playback. Clear only drops pending
// units; stopping whatever is playing is the coordinator's job.
type Queue struct {
	mu    sync.Mutex
	items []Unit

	enqueued int64
	dequeued int64
	cleared  int64
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(u Unit) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()
	atomic.AddInt64(&q.enqueued, 1)
}

// DequeueNext pops the oldest unit.
func (q *Queue) DequeueNext() (Unit, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Unit{}, false
	}
	u := q.items[0]
	q.items[0] = Unit{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.mu.Unlock()
	atomic.AddInt64(&q.dequeued, 1)
	return u, true
}

func (q *Queue) PeekSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards every pending unit and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	atomic.AddInt64(&q.cleared, int64(n))
	return n
}

// Snapshot copies the pending units in order.
func (q *Queue) Snapshot() []Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Unit, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued: atomic.LoadInt64(&q.enqueued),
		Dequeued: atomic.LoadInt64(&q.dequeued),
		Cleared:  atomic.LoadInt64(&q.cleared),
	}
}
