package mergeengine

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/preduce/internal/history"
	"github.com/bradleyjkemp/preduce/internal/queue"
	"github.com/bradleyjkemp/preduce/internal/store"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func setup(t *testing.T) (*history.History, *store.Store, *queue.Queue) {
	t.Helper()
	skipIfNoGit(t)
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	h, err := history.New(context.Background(), filepath.Join(dir, "git"), st)
	require.NoError(t, err)
	q := queue.New(10, 100, st)
	return h, st, q
}

func internString(t *testing.T, st *store.Store, content string) *store.TestCase {
	t.Helper()
	tc, err := st.InternBytes([]byte(content), store.Provenance{Kind: store.ProvenanceInitial})
	require.NoError(t, err)
	return tc
}

func TestTriggerMergeEnqueuesOnSuccess(t *testing.T) {
	h, st, q := setup(t)
	ctx := context.Background()

	seed := internString(t, st, "A\nB\nC\nD\n")
	root, err := h.Init(ctx, seed)
	require.NoError(t, err)

	left, err := h.Accept(ctx, root, internString(t, st, "B\nC\nD\n"))
	require.NoError(t, err)
	right, err := h.Accept(ctx, root, internString(t, st, "A\nB\nC\n"))
	require.NoError(t, err)

	e := New(h, q, 0)
	e.TriggerMerge(ctx, left, right, 2)

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTriggerMergeDropsOnConflict(t *testing.T) {
	h, st, q := setup(t)
	ctx := context.Background()

	seed := internString(t, st, "A\nB\nC\n")
	root, err := h.Init(ctx, seed)
	require.NoError(t, err)

	left, err := h.Accept(ctx, root, internString(t, st, "A\nX\nC\n"))
	require.NoError(t, err)
	right, err := h.Accept(ctx, root, internString(t, st, "A\nY\nC\n"))
	require.NoError(t, err)

	e := New(h, q, 0)
	e.TriggerMerge(ctx, left, right, 2)

	require.Never(t, func() bool { return q.Len() != 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestTriggerMergeDedupsPendingPair(t *testing.T) {
	h, st, q := setup(t)
	ctx := context.Background()

	seed := internString(t, st, "A\nB\nC\nD\n")
	root, err := h.Init(ctx, seed)
	require.NoError(t, err)

	left, err := h.Accept(ctx, root, internString(t, st, "B\nC\nD\n"))
	require.NoError(t, err)
	right, err := h.Accept(ctx, root, internString(t, st, "A\nB\nC\n"))
	require.NoError(t, err)

	e := New(h, q, 0)
	e.TriggerMerge(ctx, left, right, 2)
	e.TriggerMerge(ctx, left, right, 2) // same pair, should be a no-op while pending

	require.Eventually(t, func() bool { return q.Len() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, q.Len(), "duplicate pending merge for the same pair must not double-enqueue")
}
