// Package store provides content-addressed storage for test case files.
//
// A TestCase is immutable once created: its identity is the SHA-256 of its
// contents, and two TestCases with equal hash are behaviorally identical and
// share the same backing file. The Store owns the lifetime of those files.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Hash identifies a TestCase by the SHA-256 of its bytes.
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ProvenanceKind records how a TestCase came to exist.
type ProvenanceKind string

const (
	ProvenanceInitial ProvenanceKind = "initial"
	ProvenanceReducer ProvenanceKind = "reducer"
	ProvenanceMerge   ProvenanceKind = "merge"
)

// Provenance describes where a TestCase's bytes came from.
type Provenance struct {
	Kind        ProvenanceKind
	ReducerName string // set when Kind == ProvenanceReducer
	SeedHash    Hash   // set when Kind == ProvenanceReducer
}

// TestCase is an immutable, content-addressed candidate or accepted file.
type TestCase struct {
	Hash       Hash
	Size       int64
	Provenance Provenance

	store *Store
	path  string
}

// entry is the Store's bookkeeping record for one interned hash.
type entry struct {
	tc       *TestCase
	refcount int
	pinned   bool // protected as head or head-ancestor; never swept
}

// Store owns a directory of content-addressed files, hashed into
// <dir>/<hash-prefix>/<hash>, and refcounts references to them.
type Store struct {
	dir string

	mu      sync.Mutex
	entries map[Hash]*entry
}

// New creates a Store rooted at dir. dir is created if it does not exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", dir, err)
	}
	return &Store{dir: dir, entries: make(map[Hash]*entry)}, nil
}

func (s *Store) hashPath(h Hash) string {
	hx := h.String()
	return filepath.Join(s.dir, hx[:2], hx)
}

// Intern takes ownership of the file at srcPath: if its content hash is
// already known, srcPath is deleted and the existing TestCase is returned
// (with its refcount bumped); otherwise srcPath is moved under the store's
// hash-addressed layout and a new TestCase is returned with refcount 1.
func (s *Store) Intern(srcPath string, prov Provenance) (*TestCase, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", srcPath, err)
	}
	h := sha256.New()
	size, err := io.Copy(h, f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("store: hashing %s: %w", srcPath, err)
	}
	var hash Hash
	copy(hash[:], h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[hash]; ok {
		os.Remove(srcPath)
		e.refcount++
		return e.tc, nil
	}

	dst := s.hashPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating hash dir: %w", err)
	}
	// Race-free even under concurrent interning of the same content: the
	// loser's rename target already exists is impossible here because the
	// mutex above serializes the check-then-rename; renames across
	// concurrently-interned *distinct* hashes never collide by construction.
	if err := os.Rename(srcPath, dst); err != nil {
		return nil, fmt.Errorf("store: moving into place: %w", err)
	}

	tc := &TestCase{
		Hash:       hash,
		Size:       size,
		Provenance: prov,
		store:      s,
		path:       dst,
	}
	s.entries[hash] = &entry{tc: tc, refcount: 1}
	return tc, nil
}

// InternBytes is a convenience wrapper that first writes data to a temp file
// in the store's directory, then interns it.
func (s *Store) InternBytes(data []byte, prov Provenance) (*TestCase, error) {
	tmp, err := os.CreateTemp(s.dir, "incoming-")
	if err != nil {
		return nil, fmt.Errorf("store: creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return nil, fmt.Errorf("store: writing temp file: %w", err)
	}
	tmp.Close()
	return s.Intern(name, prov)
}

// Path returns the stable filesystem path for tc, valid for tc's lifetime.
func (s *Store) Path(tc *TestCase) string {
	return tc.path
}

// Retain increments tc's refcount. Call before handing tc to a new owner
// (queue entry, in-flight worker, History node).
func (s *Store) Retain(tc *TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tc.Hash]; ok {
		e.refcount++
	}
}

// Release decrements tc's refcount; if it reaches zero and tc is not
// pinned, the backing file is deleted.
func (s *Store) Release(tc *TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tc.Hash]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 && !e.pinned {
		os.Remove(e.tc.path)
		delete(s.entries, tc.Hash)
	}
}

// Pin marks tc as protected (it is the head, or on the head's ancestry
// path) so Release never deletes it regardless of refcount.
func (s *Store) Pin(tc *TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tc.Hash]; ok {
		e.pinned = true
	}
}

// Unpin removes tc's pin. It is swept on the next zero-refcount Release,
// or immediately by Sweep if its refcount is already zero.
func (s *Store) Unpin(tc *TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tc.Hash]; ok {
		e.pinned = false
	}
}

// Sweep deletes any currently-unreferenced, unpinned entries. It is safe to
// call periodically to bound disk usage; Release already does this
// opportunistically, Sweep catches anything left pinned-then-unpinned.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.entries {
		if e.refcount <= 0 && !e.pinned {
			os.Remove(e.tc.path)
			delete(s.entries, h)
		}
	}
}

// Len reports the number of distinct hashes currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
