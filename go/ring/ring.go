// Package ring implements the two bounded lock-free rings the training
// pipeline is built from: a single-producer/single-consumer PrefetchQueue
// and a single-producer/multi-consumer WorkQueue. The lock-free path is
// normative; there is no barrier-based alternative in this repo.
package ring

import (
	"sync/atomic"
)

// slot holds one queued item behind an atomic pointer so consumers can
// claim it with a single compare-and-swap/exchange.
type slot[T any] struct {
	value atomic.Pointer[T]
}

// PrefetchQueue is a fixed-capacity SPSC ring. The producer is the single
// disk-reader thread; the single consumer is the coordinator's dispatch
// loop.
type PrefetchQueue[T any] struct {
	buf        []slot[T]
	cap        uint64
	head       atomic.Uint64 // next slot to pop
	tail       atomic.Uint64 // next slot to push
	producerDone atomic.Bool
}

// NewPrefetchQueue builds a queue holding up to capacity items; a
// capacity below 1 is treated as 1.
func NewPrefetchQueue[T any](capacity int) *PrefetchQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &PrefetchQueue[T]{
		buf: make([]slot[T], capacity),
		cap: uint64(capacity),
	}
}

// TryPush attempts to enqueue value, returning false if the queue is
// momentarily full. The caller (producer) is expected to back off and
// retry at the call site; TryPush itself never busy-waits.
func (q *PrefetchQueue[T]) TryPush(value *T) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= q.cap {
		return false
	}
	idx := tail % q.cap
	q.buf[idx].value.Store(value) // release
	q.tail.Store(tail + 1)
	return true
}

// TryPop returns the next item, or (nil, false) if the queue is
// momentarily empty. Returns immediately either way.
func (q *PrefetchQueue[T]) TryPop() (*T, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head >= tail {
		return nil, false
	}
	idx := head % q.cap
	v := q.buf[idx].value.Swap(nil) // acquire
	if v == nil {
		return nil, false
	}
	q.head.Store(head + 1)
	return v, true
}

// SetProducerDone marks that the producer has stopped pushing (iterator
// exhausted or cancellation). Consumers combine this with an empty queue
// to conclude end-of-stream.
func (q *PrefetchQueue[T]) SetProducerDone() { q.producerDone.Store(true) }

// ProducerDone reports whether the producer has finished.
func (q *PrefetchQueue[T]) ProducerDone() bool { return q.producerDone.Load() }

// Drained reports whether the queue currently holds no items.
func (q *PrefetchQueue[T]) Drained() bool { return q.head.Load() >= q.tail.Load() }

// Len returns the number of items currently queued.
func (q *PrefetchQueue[T]) Len() int { return int(q.tail.Load() - q.head.Load()) }

// WorkQueue is a fixed-capacity SPMC ring. In this module each leaf has
// its own WorkQueue: its producer is go/hierarchy's Node.Deliver (run by
// the parent's RunControl goroutine, or by the coordinator's dispatch
// loop in a single-worker tree) and its consumer is that leaf's sphere.
type WorkQueue[T any] struct {
	buf  []slot[T]
	cap  uint64
	head atomic.Uint64 // next slot a consumer may claim
	tail atomic.Uint64 // next slot the producer will fill

	totalPushed atomic.Uint64
	totalPopped atomic.Uint64
	epochDone   atomic.Bool
}

// NewWorkQueue builds a work queue of the given capacity.
func NewWorkQueue[T any](capacity int) *WorkQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkQueue[T]{
		buf: make([]slot[T], capacity),
		cap: uint64(capacity),
	}
}

// Push enqueues value, returning false if the queue is momentarily full.
// Only the queue's single producer (go/hierarchy's Node.Deliver) calls
// this.
func (q *WorkQueue[T]) Push(value *T) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= q.cap {
		return false
	}
	idx := tail % q.cap
	q.buf[idx].value.Store(value)
	q.tail.Store(tail + 1) // store-release on tail
	q.totalPushed.Add(1)
	return true
}

// Pop claims the next item for a consuming worker. It tolerates transient
// emptiness during late-epoch drain: callers should spin briefly and
// recheck EpochDone before concluding the epoch is over; Pop itself
// only reports the immediate state of the queue.
func (q *WorkQueue[T]) Pop() (*T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head >= tail {
			return nil, false
		}
		if q.head.CompareAndSwap(head, head+1) {
			idx := head % q.cap
			v := q.buf[idx].value.Swap(nil) // acquire
			q.totalPopped.Add(1)
			return v, v != nil
		}
		// lost the race to another consumer; retry
	}
}

// SetEpochDone marks that no more batches will be pushed this epoch.
func (q *WorkQueue[T]) SetEpochDone() { q.epochDone.Store(true) }

// EpochDone reports whether SetEpochDone has been called.
func (q *WorkQueue[T]) EpochDone() bool { return q.epochDone.Load() }

// ResetEpoch clears EpochDone and the push/pop counters for the next
// epoch. Only the coordinator calls this, between epochs.
func (q *WorkQueue[T]) ResetEpoch() {
	q.epochDone.Store(false)
	q.totalPushed.Store(0)
	q.totalPopped.Store(0)
}

// Drained reports whether pushed == popped: either the queue is empty,
// or epoch_done is set and all pushed items have been claimed.
func (q *WorkQueue[T]) Drained() bool {
	return q.totalPushed.Load() == q.totalPopped.Load()
}

// Counts returns the current (pushed, popped) totals for diagnostics.
func (q *WorkQueue[T]) Counts() (pushed, popped uint64) {
	return q.totalPushed.Load(), q.totalPopped.Load()
}
