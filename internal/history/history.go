// Package history maintains a version-control-backed DAG of accepted test
// cases and performs three-way merges between accepted versions.
//
// The backend is the real `git` binary, driven entirely through plumbing
// commands (hash-object, commit-tree, merge-file) so that no command ever
// needs a live checked-out working tree: concurrent Merge calls are safe
// because they only read committed blobs and write to private temp files.
package history

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/bradleyjkemp/preduce/internal/store"
)

// testCaseFileName is the name every commit's sole tracked file uses.
const testCaseFileName = "test_case"

// Node is one accepted TestCase in the history DAG.
type Node struct {
	Commit     string
	TestCase   *store.TestCase
	Parents    []string
	AcceptedAt time.Time
}

// MergeConflict reports that a three-way merge produced conflict markers.
// It is not an error: callers should log and drop the merge.
type MergeConflict struct {
	A, B string
}

func (m *MergeConflict) Error() string {
	return fmt.Sprintf("merge conflict between %s and %s", m.A, m.B)
}

// History is a DAG of accepted TestCases backed by a private git repository.
type History struct {
	dir   string
	store *store.Store

	mu    sync.RWMutex
	nodes map[string]*Node
	head  string
}

// New initializes a fresh git repository at dir (created if necessary) to
// back a History. dir is private scratch space, never user-visible.
func New(ctx context.Context, dir string, st *store.Store) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: creating %s: %w", dir, err)
	}
	h := &History{dir: dir, store: st, nodes: make(map[string]*Node)}
	if err := h.run(ctx, "init", "--quiet"); err != nil {
		return nil, fmt.Errorf("history: git init: %w", err)
	}
	if err := h.run(ctx, "config", "user.name", "preduce"); err != nil {
		return nil, err
	}
	if err := h.run(ctx, "config", "user.email", "preduce@localhost"); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) run(ctx context.Context, args ...string) error {
	_, err := h.runOut(ctx, nil, args...)
	return err
}

func (h *History) runOut(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = h.dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, errBuf.String())
	}
	return bytes.TrimRight(out.Bytes(), "\n"), nil
}

// hashObject writes path's content as a git blob and returns its oid.
func (h *History) hashObject(ctx context.Context, path string) (string, error) {
	out, err := h.runOut(ctx, nil, "hash-object", "-w", path)
	return string(out), err
}

// singleFileTree builds a tree containing only testCaseFileName -> blob.
func (h *History) singleFileTree(ctx context.Context, blob string) (string, error) {
	entry := fmt.Sprintf("100644 blob %s\t%s\n", blob, testCaseFileName)
	out, err := h.runOut(ctx, []byte(entry), "mktree")
	return string(out), err
}

// retainRef pins a commit against garbage collection with a private ref,
// since these commits are otherwise unreachable from any branch.
func (h *History) retainRef(ctx context.Context, commit string) error {
	return h.run(ctx, "update-ref", "refs/preduce/"+commit, commit)
}

// Init commits the initial seed test case as the DAG's root and returns it
// as the current head.
func (h *History) Init(ctx context.Context, seed *store.TestCase) (*Node, error) {
	blob, err := h.hashObject(ctx, h.store.Path(seed))
	if err != nil {
		return nil, fmt.Errorf("history: hashing seed: %w", err)
	}
	tree, err := h.singleFileTree(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("history: building tree: %w", err)
	}
	commit, err := h.runOut(ctx, nil, "commit-tree", tree, "-m", "initial")
	if err != nil {
		return nil, fmt.Errorf("history: committing seed: %w", err)
	}
	if err := h.retainRef(ctx, string(commit)); err != nil {
		return nil, err
	}

	h.store.Pin(seed)
	node := &Node{Commit: string(commit), TestCase: seed, AcceptedAt: time.Now()}

	h.mu.Lock()
	h.nodes[node.Commit] = node
	h.head = node.Commit
	h.mu.Unlock()
	return node, nil
}

// Accept records tc as a new node with a single parent. It does not move
// the head: the caller is responsible for only calling Accept once size has
// already been verified, and for advancing the head with SetHead; Accept
// itself just records the DAG edge.
func (h *History) Accept(ctx context.Context, parent *Node, tc *store.TestCase) (*Node, error) {
	blob, err := h.hashObject(ctx, h.store.Path(tc))
	if err != nil {
		return nil, fmt.Errorf("history: hashing candidate: %w", err)
	}
	tree, err := h.singleFileTree(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("history: building tree: %w", err)
	}
	msg := fmt.Sprintf("accept %s (from %s)", tc.Hash, parent.Commit)
	commit, err := h.runOut(ctx, nil, "commit-tree", tree, "-p", parent.Commit, "-m", msg)
	if err != nil {
		return nil, fmt.Errorf("history: committing acceptance: %w", err)
	}
	if err := h.retainRef(ctx, string(commit)); err != nil {
		return nil, err
	}

	node := &Node{Commit: string(commit), TestCase: tc, Parents: []string{parent.Commit}, AcceptedAt: time.Now()}

	h.mu.Lock()
	h.nodes[node.Commit] = node
	h.mu.Unlock()
	return node, nil
}

// SetHead atomically advances the head pointer. Only the coordinator calls
// this, per the single-writer discipline the coordinator enforces.
func (h *History) SetHead(node *Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = node.Commit
}

// Head returns a consistent snapshot of the current head node.
func (h *History) Head() *Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[h.head]
}

// Node looks up a node by commit id.
func (h *History) Node(commit string) *Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[commit]
}

// mergeBase returns the (first) common ancestor commit of a and b.
func (h *History) mergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := h.runOut(ctx, nil, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("history: merge-base: %w", err)
	}
	return string(out), nil
}

// showFile returns the contents of testCaseFileName as it existed at commit.
// The bytes are returned exactly as committed: unlike runOut, trailing
// newlines are kept, since they are part of the test case's content.
func (h *History) showFile(ctx context.Context, commit string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "show", commit+":"+testCaseFileName)
	cmd.Dir = h.dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("history: show %s: %w: %s", commit, err, errBuf.String())
	}
	return out.Bytes(), nil
}

// Merge performs a three-way textual merge of a and b against their common
// ancestor. On success it returns a new, un-accepted TestCase containing the
// merged bytes (the caller decides whether to enqueue it). On conflict it
// returns a *MergeConflict, which is not fatal.
func (h *History) Merge(ctx context.Context, a, b *Node) (*store.TestCase, error) {
	base, err := h.mergeBase(ctx, a.Commit, b.Commit)
	if err != nil {
		return nil, err
	}

	baseBytes, err := h.showFile(ctx, base)
	if err != nil {
		return nil, err
	}
	aBytes, err := h.showFile(ctx, a.Commit)
	if err != nil {
		return nil, err
	}
	bBytes, err := h.showFile(ctx, b.Commit)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(h.dir, "merge-")
	if err != nil {
		return nil, fmt.Errorf("history: merge scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	currentPath := filepath.Join(scratch, "current")
	basePath := filepath.Join(scratch, "base")
	otherPath := filepath.Join(scratch, "other")
	if err := os.WriteFile(currentPath, aBytes, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(basePath, baseBytes, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(otherPath, bBytes, 0o644); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "merge-file", "--stdout", currentPath, basePath, otherPath)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	runErr := cmd.Run()

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("history: git merge-file: %w: %s", runErr, errBuf.String())
		}
		if exitErr.ExitCode() < 0 {
			return nil, fmt.Errorf("history: git merge-file failed: %s", errBuf.String())
		}
		// Positive exit code: merge completed but left conflict markers.
		return nil, &MergeConflict{A: a.Commit, B: b.Commit}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(aBytes), out.String(), false)
	if logMergeSummary != nil {
		logMergeSummary(a.Commit, b.Commit, dmp.DiffPrettyText(diffs))
	}

	return h.store.InternBytes(out.Bytes(), store.Provenance{Kind: store.ProvenanceMerge})
}

// logMergeSummary, when non-nil, receives a human-readable diff summary for
// every successful merge. Set by callers that want debug visibility; left
// nil (a no-op) keeps Merge silent by default.
var logMergeSummary func(a, b, diffText string)

// SetMergeLogger installs (or clears, with nil) a debug hook invoked after
// every successful merge with a diff-pretty summary of the result.
func SetMergeLogger(f func(a, b, diffText string)) {
	logMergeSummary = f
}
