// Package mergeengine speculatively three-way-merges the newly accepted head
// against the previous head on every acceptance, and — on success — tags the
// result as a synthetic candidate so the queue can judge it like any other.
// Conflicts are logged and dropped; they never fail the run.
package mergeengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/bradleyjkemp/preduce/internal/history"
	"github.com/bradleyjkemp/preduce/internal/queue"
)

// Engine triggers and bounds merges between accepted History nodes.
type Engine struct {
	history *history.History
	queue   *queue.Queue
	verbose int

	mu      sync.Mutex
	pending map[pairKey]bool
}

type pairKey struct{ a, b string }

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// New creates an Engine that enqueues successful merges onto q.
func New(h *history.History, q *queue.Queue, verbose int) *Engine {
	return &Engine{history: h, queue: q, verbose: verbose, pending: make(map[pairKey]bool)}
}

// TriggerMerge asynchronously merges a and b against their common ancestor
// and, on success, pushes the result onto the queue tagged with
// generation. At most one merge is ever pending per (a,b) ancestor pair,
// so a reducer that keeps winning acceptances can't starve the merge of
// an older branch by retriggering it.
func (e *Engine) TriggerMerge(ctx context.Context, a, b *history.Node, generation uint64) {
	key := newPairKey(a.Commit, b.Commit)

	e.mu.Lock()
	if e.pending[key] {
		e.mu.Unlock()
		return
	}
	e.pending[key] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.pending, key)
			e.mu.Unlock()
		}()
		e.run(ctx, a, b, generation)
	}()
}

func (e *Engine) run(ctx context.Context, a, b *history.Node, generation uint64) {
	tc, err := e.history.Merge(ctx, a, b)
	if err != nil {
		var conflict *history.MergeConflict
		if errors.As(err, &conflict) {
			if e.verbose >= 1 {
				log.Printf("mergeengine: conflict between %s and %s, dropping", a.Commit[:7], b.Commit[:7])
			}
			return
		}
		log.Printf("mergeengine: merge(%s, %s) failed: %v", a.Commit[:minInt(7, len(a.Commit))], b.Commit[:minInt(7, len(b.Commit))], err)
		return
	}

	cand := &queue.Candidate{
		TestCase:         tc,
		OriginGeneration: generation,
		Kind:             queue.KindMerge,
		ReducerID:        fmt.Sprintf("merge(%s,%s)", a.Commit[:minInt(7, len(a.Commit))], b.Commit[:minInt(7, len(b.Commit))]),
	}
	if err := e.queue.Push(ctx, cand); err != nil && e.verbose >= 1 {
		log.Printf("mergeengine: dropping merge candidate, queue push failed: %v", err)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
