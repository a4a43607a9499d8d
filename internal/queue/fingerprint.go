package queue

import (
	"container/list"
	"sync"

	"github.com/bradleyjkemp/preduce/internal/store"
)

// FingerprintSet is an LRU-bounded set of content hashes already seen as
// candidates (accepted, rejected, or in flight), used to skip duplicates
// before they ever reach a predicate worker.
type FingerprintSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently seen
	index    map[store.Hash]*list.Element
}

// NewFingerprintSet creates a set bounded to capacity entries.
func NewFingerprintSet(capacity int) *FingerprintSet {
	return &FingerprintSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[store.Hash]*list.Element),
	}
}

// Add reports whether h was newly added (true) or already present (false).
// On a fresh add past capacity, the least-recently-seen hash is evicted.
func (f *FingerprintSet) Add(h store.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.index[h]; ok {
		f.order.MoveToFront(el)
		return false
	}

	el := f.order.PushFront(h)
	f.index[h] = el
	if f.capacity > 0 && f.order.Len() > f.capacity {
		oldest := f.order.Back()
		if oldest != nil {
			f.order.Remove(oldest)
			delete(f.index, oldest.Value.(store.Hash))
		}
	}
	return true
}

// Contains reports whether h has been seen, without affecting recency.
func (f *FingerprintSet) Contains(h store.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index[h]
	return ok
}

// Len reports the number of tracked hashes.
func (f *FingerprintSet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
