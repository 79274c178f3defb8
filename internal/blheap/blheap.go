// Package blheap is a container/heap-backed min-heap ordered by expiry
// time, used by the pool to track blacklisted upstream addresses without
// rescanning a slice on every selection.
//
// This is trimmed from the teacher's cache priority-queue scaffolding
// (proxy/internal/specialized/store.go): the LRU/MFA dual ordering has no
// analogue for blacklist entries, so only the by-time ordering survives,
// and the payload is an address instead of a cache value.
package blheap

import "container/heap"

// Entry is one blacklisted address with the time it expires.
type Entry[K any] struct {
	Key      K
	ExpireAt int64 // unix nanoseconds
	index    int
}

// Heap is a min-heap of Entry ordered by ExpireAt, so the earliest-expiring
// entry is always at the root.
type Heap[K any] struct {
	items []*Entry[K]
}

// New constructs an empty Heap.
func New[K any]() *Heap[K] {
	h := &Heap[K]{}
	heap.Init((*innerHeap[K])(h))
	return h
}

// Push adds an entry to the heap.
func (h *Heap[K]) Push(key K, expireAt int64) {
	heap.Push((*innerHeap[K])(h), &Entry[K]{Key: key, ExpireAt: expireAt})
}

// Len reports the number of entries currently held.
func (h *Heap[K]) Len() int { return len(h.items) }

// PopExpired removes and returns every entry whose ExpireAt is at or
// before now, in no particular order among themselves.
func (h *Heap[K]) PopExpired(now int64) []K {
	var expired []K
	for len(h.items) > 0 && h.items[0].ExpireAt <= now {
		e := heap.Pop((*innerHeap[K])(h)).(*Entry[K])
		expired = append(expired, e.Key)
	}
	return expired
}

// Keys returns every key currently held, expired or not. Used by the pool
// to compute the "available" set without mutating the heap.
func (h *Heap[K]) Keys() []K {
	keys := make([]K, len(h.items))
	for i, e := range h.items {
		keys[i] = e.Key
	}
	return keys
}

// innerHeap adapts Heap to heap.Interface without exposing the
// Push/Pop(interface{}) signature on the public type.
type innerHeap[K any] Heap[K]

func (h *innerHeap[K]) Len() int { return len(h.items) }
func (h *innerHeap[K]) Less(i, j int) bool {
	return h.items[i].ExpireAt < h.items[j].ExpireAt
}
func (h *innerHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index, h.items[j].index = i, j
}
func (h *innerHeap[K]) Push(x any) {
	e := x.(*Entry[K])
	e.index = len(h.items)
	h.items = append(h.items, e)
}
func (h *innerHeap[K]) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	e.index = -1
	h.items = h.items[:n-1]
	return e
}
