// Package outbound implements the producer/consumer structures and worker
// that turn application-submitted commands into packed, packet-id-assigned
// datagrams (§4.4): the unique-keyed queue that collapses stale updates,
// and the FIFO of control traffic that must not be collapsed.
package outbound

import "sync"

// UniqueQueue is an order-preserving queue that stores at most one value
// per key, returning the latest-written value on Take (§3 "Unique-keyed
// queue"). Re-enqueuing an already-pending key overwrites its value without
// moving it in delivery order (invariant #2).
type UniqueQueue[K comparable, V any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	values map[K]V
	order  []K
	closed bool
}

// NewUniqueQueue constructs an empty queue.
func NewUniqueQueue[K comparable, V any]() *UniqueQueue[K, V] {
	q := &UniqueQueue[K, V]{values: make(map[K]V)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue stores v under k. If k is already pending, its stored value is
// overwritten in place (O(1)) and the key's position in order is
// unchanged; no waiter is woken, since one is already pending for this
// position (§5 "updates to an existing key ... do not signal the
// channel"). If k is new, it's appended to the order and any blocked Take
// is woken.
func (q *UniqueQueue[K, V]) Enqueue(k K, v V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	_, exists := q.values[k]
	q.values[k] = v
	if !exists {
		q.order = append(q.order, k)
		q.cond.Signal()
	}
}

// Take removes and returns the value currently stored for the head key,
// blocking while the queue is empty. ok is false only if the queue has
// been closed and drained.
func (q *UniqueQueue[K, V]) Take() (v V, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) == 0 {
		if q.closed {
			return v, false
		}
		q.cond.Wait()
	}
	k := q.order[0]
	q.order = q.order[1:]
	v, present := q.values[k]
	if !present {
		// The queue's own invariants make this unreachable: a key only
		// enters order once, and is only removed from values here, in the
		// same critical section that removes it from order. Treat it as a
		// violated invariant rather than silently recovering (§9a).
		panic("outbound: unique queue key present in order but missing from values")
	}
	delete(q.values, k)
	return v, true
}

// TryTake removes and returns the head value without blocking. ok is false
// if the queue is currently empty.
func (q *UniqueQueue[K, V]) TryTake() (v V, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return v, false
	}
	k := q.order[0]
	q.order = q.order[1:]
	v, present := q.values[k]
	if !present {
		// Same violated invariant as in Take.
		panic("outbound: unique queue key present in order but missing from values")
	}
	delete(q.values, k)
	return v, true
}

// Len reports the number of distinct keys currently pending.
func (q *UniqueQueue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Close unblocks any pending or future Take with ok=false. Idempotent.
func (q *UniqueQueue[K, V]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
