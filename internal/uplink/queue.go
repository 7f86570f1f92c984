package uplink

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teukurijal/attendance-apps/internal/location"
)

// QueuedReport is an undelivered sample waiting for connectivity.
type QueuedReport struct {
	Sample     location.Sample
	EnqueuedAt time.Time
	ID         string
}

// PendingQueue is a bounded FIFO of undelivered samples. When full, the
// oldest entry is evicted to make room.
type PendingQueue struct {
	mu       sync.Mutex
	items    []QueuedReport
	capacity int
}

func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = 10
	}
	return &PendingQueue{capacity: capacity}
}

// Add enqueues a fresh report for the sample and returns it.
func (q *PendingQueue) Add(s location.Sample) QueuedReport {
	r := QueuedReport{
		Sample:     s,
		EnqueuedAt: time.Now(),
		ID:         uuid.New().String(),
	}
	q.Put(r)
	return r
}

// Put re-enqueues an existing report, keeping its id.
func (q *PendingQueue) Put(r QueuedReport) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, r)
	if len(q.items) > q.capacity {
		q.items = q.items[len(q.items)-q.capacity:]
	}
}

// PopAll removes and returns every queued report, oldest first.
func (q *PendingQueue) PopAll() []QueuedReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued reports.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
