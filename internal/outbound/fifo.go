package outbound

import "sync"

// FIFO is a strictly first-in-first-out blocking queue, used for control
// traffic submitted via DirectQueueMessage that must never be collapsed by
// the unique queue (§4.4, §5 "DirectQueueMessage is strictly FIFO with
// respect to itself").
type FIFO[V any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []V
	closed bool
}

// NewFIFO constructs an empty FIFO.
func NewFIFO[V any]() *FIFO[V] {
	f := &FIFO[V]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push appends v to the tail.
func (f *FIFO[V]) Push(v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items = append(f.items, v)
	f.cond.Signal()
}

// Pop blocks until an item is available, returning ok=false once the FIFO
// is closed and drained.
func (f *FIFO[V]) Pop() (v V, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 {
		if f.closed {
			return v, false
		}
		f.cond.Wait()
	}
	v = f.items[0]
	f.items = f.items[1:]
	return v, true
}

// PushFront puts v back at the head, for a consumer that popped an item it
// turns out it can't act on yet and must hand back without disturbing the
// order of anything already behind it.
func (f *FIFO[V]) PushFront(v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items = append([]V{v}, f.items...)
	f.cond.Signal()
}

// TryPop removes and returns the head item without blocking.
func (f *FIFO[V]) TryPop() (v V, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return v, false
	}
	v = f.items[0]
	f.items = f.items[1:]
	return v, true
}

// Len reports the number of items currently queued.
func (f *FIFO[V]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Close unblocks any pending or future Pop with ok=false. Idempotent.
func (f *FIFO[V]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.cond.Broadcast()
}
