package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScenarioLoremHasLorem mirrors the classic delta-debugging demo: a
// seed with a lot of filler text around one line the predicate actually
// cares about is reduced, and the final head still holds that line and is
// strictly smaller than the seed.
func TestScenarioLoremHasLorem(t *testing.T) {
	requireUnixTools(t)
	dir := t.TempDir()
	reducerBin := writeLineDeletingReducer(t, dir)
	predicateBin := writeContainsPredicate(t, dir, "lorem")

	var filler []string
	for i := 0; i < 12; i++ {
		filler = append(filler, "ipsum-filler-line")
	}
	seedBody := strings.Join(filler[:6], "\n") + "\nlorem\n" + strings.Join(filler[6:], "\n") + "\n"
	seedPath := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(seedPath, []byte(seedBody), 0o644))

	s := newTestScheduler(t, reducerBin, predicateBin)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	final, err := s.Run(ctx, seedPath)
	require.NoError(t, err)

	body := string(mustRead(t, s.Store(), final))
	require.Contains(t, body, "lorem")
	require.Less(t, int64(len(body)), int64(len(seedBody)))
}

// TestScenarioConcurrentReducersTriggerMerge runs two independent reducers
// against the same seed: one deletes lines from the front, the other from
// the back, so their accepted branches diverge
// from a shared ancestor and the merge engine gets a real, non-trivial
// three-way merge to attempt. The run must still converge to an
// interesting, non-growing result regardless of whether any particular
// merge attempt lands or conflicts.
func TestScenarioConcurrentReducersTriggerMerge(t *testing.T) {
	requireUnixTools(t)
	dir := t.TempDir()
	predicateBin := writeContainsPredicate(t, dir, "keep")

	frontBin := filepath.Join(dir, "front.sh")
	require.NoError(t, os.WriteFile(frontBin, []byte(`#!/bin/sh
seed="$1"
total=$(wc -l < "$seed")
i=1
while read -r _; do
  if [ "$i" -gt "$total" ]; then echo; continue; fi
  tail -n +"$((i+1))" "$seed" > "front$i"
  echo "front$i"
  i=$((i+1))
done
`), 0o755))

	backBin := filepath.Join(dir, "back.sh")
	require.NoError(t, os.WriteFile(backBin, []byte(`#!/bin/sh
seed="$1"
total=$(wc -l < "$seed")
i=1
while read -r _; do
  if [ "$i" -gt "$total" ]; then echo; continue; fi
  head -n "$((total-i))" "$seed" > "back$i"
  echo "back$i"
  i=$((i+1))
done
`), 0o755))

	seedPath := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(seedPath, []byte("a\nb\nkeep\nc\nd\n"), 0o644))

	cfg := DefaultConfig(t.TempDir())
	cfg.Workers = 2
	cfg.Shuffle = false
	cfg.MaxReducerInstances = 1
	cfg.PredicateTimeout = 5 * time.Second
	s, err := New(cfg, []ReducerProgram{
		{Name: "front", Path: frontBin},
		{Name: "back", Path: backBin},
	}, predicateBin, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	final, err := s.Run(ctx, seedPath)
	require.NoError(t, err)

	body := string(mustRead(t, s.Store(), final))
	require.Contains(t, body, "keep")
	require.LessOrEqual(t, int64(len(body)), int64(len("a\nb\nkeep\nc\nd\n")))
}

// TestScenarioClassNineCompiles documents the scenario where a reduced
// C++11 program must still compile under a specific standard. Exercising
// it for real requires a C++11 toolchain on PATH, which isn't
// guaranteed in every environment this suite runs in; skip with an
// explicit reason rather than silently omitting coverage.
func TestScenarioClassNineCompiles(t *testing.T) {
	t.Skip("requires a C++11 compiler on PATH to drive a real compiles-cleanly predicate; not exercised in this environment")
}
