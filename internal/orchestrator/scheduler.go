// Package orchestrator implements the coordinator loop: it owns the single
// writer to the History, fans candidate judgement out across a fixed
// predicate worker pool, and fans reducer production out across one
// goroutine per live ReducerInstance, shuffling each instance's output
// through a small window before it reaches the shared queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bradleyjkemp/preduce/internal/history"
	"github.com/bradleyjkemp/preduce/internal/mergeengine"
	"github.com/bradleyjkemp/preduce/internal/predicate"
	"github.com/bradleyjkemp/preduce/internal/queue"
	"github.com/bradleyjkemp/preduce/internal/reducer"
	"github.com/bradleyjkemp/preduce/internal/store"
)

// verdict is a judged candidate handed back from a predicate worker to the
// coordinator.
type verdict struct {
	cand        *queue.Candidate
	interesting bool
}

// producerDone reports that a reducer instance's pump goroutine has exited,
// whether from exhaustion, misbehavior, or a coordinator-initiated Kill.
type producerDone struct {
	instanceID string
}

// Scheduler runs one reduction to fixpoint: it owns the store, history,
// queue, and merge engine, and is the sole writer of the History head.
type Scheduler struct {
	cfg       Config
	store     *store.Store
	history   *history.History
	queue     *queue.Queue
	merge     *mergeengine.Engine
	predicate *predicate.Driver
	reducers  []ReducerProgram
	logger    *log.Logger

	generation atomic.Uint64
	busy       atomic.Int32

	mu        sync.Mutex
	instances map[string]*reducer.Instance
	pumps     sync.WaitGroup
}

// New assembles a Scheduler. workDir hosts the store, the private git
// history repository, and per-worker scratch directories.
func New(cfg Config, reducers []ReducerProgram, predicateBin string, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "preduce: ", log.LstdFlags)
	}
	st, err := store.New(filepath.Join(cfg.WorkDir, "store"))
	if err != nil {
		return nil, err
	}
	h, err := history.New(context.Background(), filepath.Join(cfg.WorkDir, "history"), st)
	if err != nil {
		return nil, err
	}
	scratchRoot := filepath.Join(cfg.WorkDir, "scratch")
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: creating scratch dir: %w", err)
	}
	q := queue.New(cfg.QueueCapacity, cfg.FingerprintCapacity, st)
	verbose := cfg.Verbose
	if verbose > 1 {
		history.SetMergeLogger(func(a, b, diffText string) {
			logger.Printf("merge %s+%s:\n%s", a[:7], b[:7], diffText)
		})
	}

	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		history:   h,
		queue:     q,
		merge:     mergeengine.New(h, q, verbose),
		predicate: predicate.New(predicateBin, scratchRoot, cfg.PredicateTimeout),
		reducers:  reducers,
		logger:    logger,
		instances: make(map[string]*reducer.Instance),
	}
	return s, nil
}

// Store exposes the Scheduler's content-addressed store, mainly for tests
// and for cmd/preduce to write out the final head.
func (s *Scheduler) Store() *store.Store { return s.store }

func (s *Scheduler) scratchRoot() string {
	return filepath.Join(s.cfg.WorkDir, "scratch")
}

func (s *Scheduler) addInstance(inst *reducer.Instance) {
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()
}

func (s *Scheduler) removeInstance(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

func (s *Scheduler) instanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Run drives one full reduction starting from the test case at
// initialPath, returning the smallest test case found before the run
// reaches fixpoint (no active reducer instance can produce a further
// accepted candidate). A SIGINT during the run stops production cleanly
// and returns the best head found so far, not an error.
func (s *Scheduler) Run(ctx context.Context, initialPath string) (*store.TestCase, error) {
	seed, err := s.store.Intern(initialPath, store.Provenance{Kind: store.ProvenanceInitial})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: interning initial test case: %w", err)
	}

	interesting, err := s.predicate.Judge(ctx, s.store.Path(seed))
	if err != nil {
		s.store.Release(seed)
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if !interesting {
		s.store.Release(seed)
		return nil, ErrInitialNotInteresting
	}

	root, err := s.history.Init(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	// Init already Pinned seed; drop the in-flight ownership now that the
	// head's protection comes from the pin, not the refcount.
	s.store.Release(seed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			s.logger.Printf("received interrupt, finishing in-flight work and stopping")
			cancel()
		case <-runCtx.Done():
		}
	}()

	verdicts := make(chan verdict, s.cfg.Workers)
	doneCh := make(chan producerDone, 16)

	g, workerCtx := errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.predicateWorker(workerCtx, verdicts)
			return nil
		})
	}

	if err := s.spawnInstances(runCtx, root, doneCh); err != nil {
		cancel()
		g.Wait()
		return nil, fmt.Errorf("orchestrator: spawning initial reducers: %w", err)
	}

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case v := <-verdicts:
			s.handleVerdict(runCtx, v, doneCh)
			s.busy.Add(-1)
		case <-doneCh:
			// An instance's pump goroutine exited; instance bookkeeping was
			// already updated by its own cleanup before it signaled here.
		}
		if s.busy.Load() == 0 && s.queue.Len() == 0 && s.instanceCount() == 0 {
			break loop
		}
	}

	cancel()
	g.Wait()
	s.killAllInstances()
	s.pumps.Wait()
	s.drainQueue()
	s.drainVerdicts(verdicts)

	head := s.history.Head()
	return head.TestCase, nil
}

// drainVerdicts releases any candidate a predicate worker had already handed
// back before the run stopped, but that the coordinator never got to act on.
func (s *Scheduler) drainVerdicts(verdicts <-chan verdict) {
	for {
		select {
		case v := <-verdicts:
			s.store.Release(v.cand.TestCase)
		default:
			return
		}
	}
}

// predicateWorker repeatedly pops a candidate and judges it, one at a time,
// until ctx is canceled. It is the only place Judge is called from.
func (s *Scheduler) predicateWorker(ctx context.Context, verdicts chan<- verdict) {
	for {
		cand, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		s.busy.Add(1)

		interesting, err := s.predicate.Judge(ctx, s.store.Path(cand.TestCase))
		if err != nil {
			s.logger.Printf("predicate invocation failed, treating as uninteresting: %v", err)
			interesting = false
		}

		select {
		case verdicts <- verdict{cand: cand, interesting: interesting}:
		case <-ctx.Done():
			s.store.Release(cand.TestCase)
			s.busy.Add(-1)
			return
		}
	}
}

// handleVerdict applies one judged candidate to the History. It is only
// ever called from the coordinator's own goroutine, which is the sole
// writer of the History head.
func (s *Scheduler) handleVerdict(ctx context.Context, v verdict, doneCh chan<- producerDone) {
	cand := v.cand
	if !v.interesting {
		s.store.Release(cand.TestCase)
		return
	}

	head := s.history.Head()
	if cand.TestCase.Size >= head.TestCase.Size {
		// Produced against a stale, since-superseded seed: no longer an
		// improvement over the current head.
		s.store.Release(cand.TestCase)
		return
	}

	if s.cfg.ReVerify {
		stillInteresting, err := s.predicate.Judge(ctx, s.store.Path(cand.TestCase))
		if err != nil || !stillInteresting {
			if err != nil {
				s.logger.Printf("re-verification error, retaining prior head: %v", err)
			} else {
				s.logger.Printf("%s", nonDeterministicPredicateWarning)
			}
			s.store.Release(cand.TestCase)
			return
		}
	}

	node, err := s.history.Accept(ctx, head, cand.TestCase)
	if err != nil {
		s.logger.Printf("%v: %v", ErrStoreIO, err)
		s.store.Release(cand.TestCase)
		return
	}

	s.store.Pin(cand.TestCase)
	s.store.Release(cand.TestCase) // ownership now comes from the pin, not the refcount
	s.history.SetHead(node)
	s.store.Unpin(head.TestCase)
	s.store.Sweep() // reclaim the old head's file if nothing else still references it
	gen := s.generation.Add(1)

	s.merge.TriggerMerge(ctx, head, node, gen)

	if s.cfg.Verbose >= 1 {
		s.logger.Printf("accepted %s (%d bytes, from %s), generation %d", cand.TestCase.Hash.String()[:7], cand.TestCase.Size, cand.ReducerID, gen)
	}

	// Stale-seed preemption: instances seeded on the superseded head are
	// left running rather than killed. Their
	// future candidates will simply fail the size check above once they
	// no longer improve on the new head, and letting them finish feeds
	// the merge engine with a genuine second branch. Top up each reducer
	// program to MaxReducerInstances on the new head instead of
	// replacing what's already running.
	if err := s.spawnInstances(ctx, node, doneCh); err != nil {
		s.logger.Printf("orchestrator: topping up reducers on new head: %v", err)
	}
}

// spawnInstances tops up each configured reducer program to
// MaxReducerInstances fresh ReducerInstances seeded on node, leaving any
// already-active instances for that program (seeded on an earlier head)
// running undisturbed.
func (s *Scheduler) spawnInstances(ctx context.Context, node *history.Node, doneCh chan<- producerDone) error {
	generation := s.generation.Load()
	for _, prog := range s.reducers {
		need := s.cfg.MaxReducerInstances - s.activeCount(prog.Name, node.TestCase.Hash)
		for i := 0; i < need; i++ {
			inst, err := reducer.New(ctx, prog.Path, prog.Name, generation, node.TestCase, s.store, s.scratchRoot(), i)
			if err != nil {
				return fmt.Errorf("reducer %s: %w", prog.Name, err)
			}
			s.addInstance(inst)
			s.pumps.Add(1)
			go s.pumpInstance(ctx, inst, doneCh)
		}
	}
	return nil
}

// activeCount reports how many currently-active instances belong to the
// named reducer program and are seeded on the test case with hash seed.
func (s *Scheduler) activeCount(program string, seed store.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.Name == program && inst.Seed().Hash == seed {
			n++
		}
	}
	return n
}

// pumpInstance drains one reducer instance's candidates into the shared
// queue, optionally shuffling them through a small sliding window first so
// that closely-related candidates from the same instance don't land in the
// queue, and so in the merge engine, back to back.
func (s *Scheduler) pumpInstance(ctx context.Context, inst *reducer.Instance, doneCh chan<- producerDone) {
	defer func() {
		s.removeInstance(inst.ID)
		inst.Close()
		s.pumps.Done()
		select {
		case doneCh <- producerDone{instanceID: inst.ID}:
		case <-ctx.Done():
		}
	}()

	var window []*queue.Candidate
	push := func(c *queue.Candidate) {
		if err := s.queue.Push(ctx, c); err != nil {
			s.store.Release(c.TestCase)
		}
	}

	for ctx.Err() == nil {
		tc, err := inst.NextCandidate(ctx)
		if err != nil {
			var mis *reducer.ErrMisbehavior
			if errors.As(err, &mis) && s.cfg.Verbose >= 1 {
				s.logger.Printf("%v", err)
			}
			break
		}
		if tc == nil {
			break // clean exhaustion
		}

		cand := &queue.Candidate{
			TestCase:         tc,
			OriginGeneration: inst.Generation,
			Kind:             queue.KindReducerOutput,
			ReducerID:        inst.Name,
		}

		if !s.cfg.Shuffle || s.cfg.ShuffleWindow <= 1 {
			push(cand)
			continue
		}
		window = append(window, cand)
		if len(window) < s.cfg.ShuffleWindow {
			continue
		}
		idx := rand.Intn(len(window))
		chosen := window[idx]
		window = append(window[:idx], window[idx+1:]...)
		push(chosen)
	}

	rand.Shuffle(len(window), func(i, j int) { window[i], window[j] = window[j], window[i] })
	for _, c := range window {
		push(c)
	}
}

// killAllInstances hard-kills every currently active reducer instance. Each
// one's pump goroutine notices on its next NextCandidate call (or stdout
// EOF) and exits through its own cleanup.
func (s *Scheduler) killAllInstances() {
	s.mu.Lock()
	insts := make([]*reducer.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *reducer.Instance) {
			defer wg.Done()
			inst.Kill()
		}(inst)
	}
	wg.Wait()
}

// drainQueue releases every candidate left in the queue once the run has
// stopped, so the store doesn't hold references to test cases nothing will
// ever judge.
func (s *Scheduler) drainQueue() {
	for s.queue.Len() > 0 {
		// Pop never blocks here since Len() > 0 was just observed and the
		// coordinator is the only remaining consumer.
		cand, ok := s.queue.Pop(context.Background())
		if !ok {
			return
		}
		s.store.Release(cand.TestCase)
	}
}
