// Package queue provides the in-process queueing primitives the coordination
// layer is built on: an unbounded lock-free multi-producer single-consumer
// queue (connection handlers feed the lock table owner through it, and the
// pipe writer uses it as its unbounded buffer mode) and a key-addressable
// expiry heap for lease bookkeeping.
package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is one element of the MPSC linked list.
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSC is an unbounded multi-producer single-consumer queue. Producers append
// with compare-and-swap only, the single consumer goroutine forwards items to
// the Recv channel in list order. Items from one producer keep their order;
// across producers the order is whoever's append lands first.
type MPSC[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// wakes the consumer when it drained the list and went to sleep
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates the queue and starts its consumer goroutine.
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &node[T]{}

	q := &MPSC[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)

	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends an item. It returns false when the item is nil or the queue
// is already closed, true otherwise.
//
// Thread-safety: safe for any number of concurrent callers.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}

	var backoff uint8 = 0
	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// Appended. The tail swing may lose against a helping
				// producer, which is fine, someone moves it.
				q.tail.CompareAndSwap(tailNode, newNode)

				q.cond.Signal()
				return true
			}
		} else {
			// another producer appended but has not swung the tail yet, help
			q.tail.CompareAndSwap(tailNode, next)
		}

		// Exponential backoff under contention: spin first, then yield, so
		// colliding producers do not retry in lockstep.
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves items from the linked list to the output channel and releases
// the consumed nodes.
func (q *MPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}

			hasItems = true
			value := next.value

			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			// re-check under the lock, a producer may have signaled already
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the receive side of the queue. The channel is closed once the
// queue is closed and drained.
func (q *MPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting new items. Items already queued are still delivered,
// then the Recv channel closes.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
	q.cond.Signal()
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}
