package orchestrator

import "errors"

var (
	// ErrInitialNotInteresting is fatal: the predicate rejects the seed
	// before any reducer is spawned.
	ErrInitialNotInteresting = errors.New("initial test case is not interesting")

	// ErrStoreIO is fatal only when it prevents writing the head; callers
	// that hit it on a non-critical path (e.g. releasing a rejected
	// candidate) should log and continue instead of propagating it.
	ErrStoreIO = errors.New("store I/O failure")
)

// nonDeterministicPredicateWarning is not an error value returned to the
// caller; re-verification failures are logged as warnings and the prior
// head is retained.
const nonDeterministicPredicateWarning = "predicate disagreed on re-verification of the new head (non-deterministic predicate); retaining prior head"
