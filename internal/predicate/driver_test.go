package predicate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writePredicate(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "predicate.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestJudgeInteresting(t *testing.T) {
	dir := t.TempDir()
	bin := writePredicate(t, dir, "grep -q lorem \"$1\"\n")
	d := New(bin, dir, time.Second)

	f := filepath.Join(dir, "candidate.txt")
	require.NoError(t, os.WriteFile(f, []byte("lorem ipsum"), 0o644))

	ok, err := d.Judge(context.Background(), f)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJudgeUninteresting(t *testing.T) {
	dir := t.TempDir()
	bin := writePredicate(t, dir, "grep -q lorem \"$1\"\n")
	d := New(bin, dir, time.Second)

	f := filepath.Join(dir, "candidate.txt")
	require.NoError(t, os.WriteFile(f, []byte("nothing here"), 0o644))

	ok, err := d.Judge(context.Background(), f)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJudgeTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := writePredicate(t, dir, "sleep 5\n")
	d := New(bin, dir, 100*time.Millisecond)

	f := filepath.Join(dir, "candidate.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	start := time.Now()
	ok, err := d.Judge(context.Background(), f)
	require.NoError(t, err)
	require.False(t, ok)
	require.Less(t, time.Since(start), 4*time.Second, "timeout should kill the process promptly")
}

func TestJudgeScratchDirsAreDistinct(t *testing.T) {
	dir := t.TempDir()
	bin := writePredicate(t, dir, "pwd > \"$PREDICATE_TEST_OUT\"; exit 0\n")
	os.Setenv("PREDICATE_TEST_OUT", filepath.Join(dir, "seen1"))
	d := New(bin, dir, time.Second)
	f := filepath.Join(dir, "candidate.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	_, err := d.Judge(context.Background(), f)
	require.NoError(t, err)

	os.Setenv("PREDICATE_TEST_OUT", filepath.Join(dir, "seen2"))
	_, err = d.Judge(context.Background(), f)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "seen1"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "seen2"))
	require.NoError(t, err)
	require.NotEqual(t, string(a), string(b), "each invocation must get its own scratch directory")
}
