package peripheral

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueItem is one pending notification.
type QueueItem struct {
	ID       string // correlation id for logs and outcomes
	UUID     string // normalized target characteristic
	Payload  []byte
	Retries  int    // retries remaining
	Peer     string // target peer address, empty broadcasts to every subscriber
	Attempts int    // delivery attempts made so far
	Enqueued time.Time
}

func newQueueItem(charUUID string, payload []byte, retries int, peer string) *QueueItem {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &QueueItem{
		ID:       uuid.NewString(),
		UUID:     charUUID,
		Payload:  data,
		Retries:  retries,
		Peer:     peer,
		Enqueued: time.Now(),
	}
}

// DeliveryQueue is the FIFO of pending items shared by senders and the delivery worker.
// One mutex and one condition guard it; Enqueue never blocks on delivery.
type DeliveryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*QueueItem
	closed bool
}

// NewDeliveryQueue creates an open, empty queue.
func NewDeliveryQueue() *DeliveryQueue {
	q := &DeliveryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item and wakes one waiting consumer.
// Returns false when the queue has been closed.
func (q *DeliveryQueue) Enqueue(item *QueueItem) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.cond.Signal()
	return true
}

// PushFront puts item back at the head without waking anyone; the worker uses it for
// items it could not dispatch, so their position is kept. Returns false once closed.
func (q *DeliveryQueue) PushFront(item *QueueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append([]*QueueItem{item}, q.items...)
	return true
}

// Dequeue blocks until an item is available or the queue is closed.
// After Close it returns (nil, false) even if items remain.
func (q *DeliveryQueue) Dequeue() (*QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

// Clear removes every item targeting charUUID, or every item when charUUID is empty.
// Returns the number removed.
func (q *DeliveryQueue) Clear(charUUID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if charUUID == "" {
		n := len(q.items)
		q.items = nil
		return n
	}

	key := NormalizeUUID(charUUID)
	kept := q.items[:0]
	for _, item := range q.items {
		if item.UUID != key {
			kept = append(kept, item)
		}
	}
	removed := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// Size returns a snapshot count of items targeting charUUID, or of all items when empty.
// The value may be stale by the time the caller reads it.
func (q *DeliveryQueue) Size(charUUID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if charUUID == "" {
		return len(q.items)
	}
	key := NormalizeUUID(charUUID)
	n := 0
	for _, item := range q.items {
		if item.UUID == key {
			n++
		}
	}
	return n
}

// Close wakes every waiter; subsequent Enqueue calls are rejected.
// Returns the items that were still pending.
func (q *DeliveryQueue) Close() []*QueueItem {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()

	q.cond.Broadcast()
	return pending
}
