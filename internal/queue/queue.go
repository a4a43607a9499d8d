// Package queue implements the bounded, deduplicating, priority-ordered
// candidate queue: candidates derived from the current head's generation
// precede older ones, smaller candidates are preferred within a generation,
// and merge candidates get a small priority bump over reducer-output
// candidates at equal generation and size.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bradleyjkemp/preduce/internal/store"
)

// Kind distinguishes how a Candidate was produced.
type Kind int

const (
	KindReducerOutput Kind = iota
	KindMerge
)

// Candidate is a TestCase awaiting judgement, tagged with the generation of
// the accepted test case it was derived from.
type Candidate struct {
	TestCase         *store.TestCase
	OriginGeneration uint64
	Kind             Kind
	ReducerID        string

	index int // heap bookkeeping
}

// candidateHeap implements container/heap.Interface with the freshness/
// size/kind ordering described above.
type candidateHeap []*Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.OriginGeneration != b.OriginGeneration {
		return a.OriginGeneration > b.OriginGeneration // fresher generation first
	}
	if a.TestCase.Size != b.TestCase.Size {
		return a.TestCase.Size < b.TestCase.Size // smaller candidate first
	}
	if a.Kind != b.Kind {
		return a.Kind == KindMerge // merge bump over reducer-output
	}
	return false
}

func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *candidateHeap) Push(x any) {
	c := x.(*Candidate)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded multi-producer, multi-consumer candidate queue.
// Enqueue blocks the producer when full (backpressure on reducer drivers);
// duplicates (by content hash) are dropped silently.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items candidateHeap

	sem          *semaphore.Weighted
	fingerprints *FingerprintSet
	store        *store.Store
}

// New creates a Queue with the given capacity and fingerprint-set LRU
// capacity.
func New(capacity, fingerprintCapacity int, st *store.Store) *Queue {
	q := &Queue{
		sem:          semaphore.NewWeighted(int64(capacity)),
		fingerprints: NewFingerprintSet(fingerprintCapacity),
		store:        st,
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Push enqueues a candidate, blocking if the queue is at capacity until
// space frees up or ctx is canceled. Duplicate content hashes (already
// seen as a candidate, whether accepted, rejected, or in flight) are
// dropped and the TestCase's reference released.
func (q *Queue) Push(ctx context.Context, c *Candidate) error {
	if !q.fingerprints.Add(c.TestCase.Hash) {
		q.store.Release(c.TestCase)
		return nil
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.store.Release(c.TestCase)
		return err
	}

	q.mu.Lock()
	heap.Push(&q.items, c)
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// Pop removes and returns the highest-priority candidate, blocking until
// one is available or ctx is canceled.
func (q *Queue) Pop(ctx context.Context) (*Candidate, bool) {
	stopWaiting := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stopWaiting:
		}
	}()
	defer close(stopWaiting)

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	c := heap.Pop(&q.items).(*Candidate)
	q.sem.Release(1)
	return c, true
}

// Len reports the number of candidates currently queued (not in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
