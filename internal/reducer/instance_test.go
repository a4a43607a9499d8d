package reducer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/preduce/internal/store"
)

// writeScript writes an executable shell script playing the reducer role:
// on each line read from stdin it writes one candidate file (named "out<N>")
// into its (fresh, cwd) scratch dir containing body, then replies with the
// relative path; once the bodies are exhausted it replies with an empty line.
func writeScript(t *testing.T, dir string, bodies []string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-reducer.sh")
	script := "#!/bin/sh\nn=0\nwhile read -r line; do\n"
	for i, b := range bodies {
		script += "  if [ \"$n\" -eq " + itoa(i) + " ]; then printf '%s' '" + b + "' > out" + itoa(i) + "; echo out" + itoa(i) + "; n=$((n+1)); continue; fi\n"
	}
	script += "  echo\nbreak\ndone\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func newSeed(t *testing.T, st *store.Store, content string) *store.TestCase {
	t.Helper()
	tc, err := st.InternBytes([]byte(content), store.Provenance{Kind: store.ProvenanceInitial})
	require.NoError(t, err)
	return tc
}

func TestNextCandidateSequence(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	seed := newSeed(t, st, "0123456789")

	bin := writeScript(t, dir, []string{"short", "shorter"})
	inst, err := New(context.Background(), bin, "fake", 0, seed, st, dir, 10)
	require.NoError(t, err)
	defer inst.Close()

	tc1, err := inst.NextCandidate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tc1)
	require.Less(t, tc1.Size, seed.Size)

	tc2, err := inst.NextCandidate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tc2)

	tc3, err := inst.NextCandidate(context.Background())
	require.NoError(t, err)
	require.Nil(t, tc3)
	require.True(t, inst.Exhausted())
}

func TestNextCandidateRejectsNonShrinking(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	seed := newSeed(t, st, "short")

	// Candidate body is the same length as the seed: violates the size
	// invariant and must terminate the instance.
	bin := writeScript(t, dir, []string{"short"})
	inst, err := New(context.Background(), bin, "fake", 0, seed, st, dir, 10)
	require.NoError(t, err)
	defer inst.Close()

	tc, err := inst.NextCandidate(context.Background())
	require.Error(t, err)
	require.Nil(t, tc)
	var mis *ErrMisbehavior
	require.ErrorAs(t, err, &mis)
}
