package queue

import (
	"container/heap"
	"fmt"
)

// entry is one element of the expiry heap: a name with the monotonic instant
// it became interesting (lease acquisition, expiry, ...).
type entry struct {
	Key   string // name the instant belongs to
	At    uint64 // monotonic nanoseconds, heap priority (oldest first)
	index int    // position in the heap slice, maintained by container/heap
}

func (e *entry) String() string {
	return fmt.Sprintf("{Key: %s, At: %d}", e.Key, e.At)
}

// ExpiryHeap is a min-heap over named instants combined with a map for
// key-based access: O(log n) ordered operations, O(1) lookup, O(log n)
// removal by name. The timeout lock server uses it to find the oldest lease
// and to evict the oldest entries from its recently-expired table.
//
// Not safe for concurrent use; the single table-owner goroutine is the only
// caller.
type ExpiryHeap struct {
	entries []*entry
	byKey   map[string]*entry
}

// NewExpiryHeap creates an empty heap.
func NewExpiryHeap() *ExpiryHeap {
	return &ExpiryHeap{
		entries: make([]*entry, 0),
		byKey:   make(map[string]*entry),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (not for direct use, call Set/Remove/Peek/PopBefore)
// --------------------------------------------------------------------------

func (h *ExpiryHeap) Len() int { return len(h.entries) }

func (h *ExpiryHeap) Less(i, j int) bool {
	return h.entries[i].At < h.entries[j].At
}

func (h *ExpiryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *ExpiryHeap) Push(x interface{}) {
	n := len(h.entries)
	e := x.(*entry)
	e.index = n
	h.entries = append(h.entries, e)
	h.byKey[e.Key] = e
}

func (h *ExpiryHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	delete(h.byKey, e.Key)
	return e
}

// --------------------------------------------------------------------------
// Queue operations
// --------------------------------------------------------------------------

// Set inserts the name with the given instant, or reprioritizes it if present.
func (h *ExpiryHeap) Set(key string, at uint64) {
	if e, exists := h.byKey[key]; exists {
		e.At = at
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &entry{Key: key, At: at})
}

// Remove removes the name and returns its instant.
func (h *ExpiryHeap) Remove(key string) (uint64, bool) {
	e, exists := h.byKey[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.At, true
}

// Peek returns the oldest name and instant without removing it.
func (h *ExpiryHeap) Peek() (string, uint64, bool) {
	if len(h.entries) == 0 {
		return "", 0, false
	}
	return h.entries[0].Key, h.entries[0].At, true
}

// PopBefore removes and returns the oldest name if its instant lies strictly
// before the cutoff. It returns false when the heap is empty or the oldest
// entry is not old enough.
func (h *ExpiryHeap) PopBefore(cutoff uint64) (string, uint64, bool) {
	if len(h.entries) == 0 || h.entries[0].At >= cutoff {
		return "", 0, false
	}
	e := heap.Pop(h).(*entry)
	return e.Key, e.At, true
}

// Contains reports whether the name is present.
func (h *ExpiryHeap) Contains(key string) bool {
	_, exists := h.byKey[key]
	return exists
}
