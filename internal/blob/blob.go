// Package blob stores content-addressed binary attachments and tracks the
// refs the local node still wants from its peers. A blob is immutable: its
// ref is the SHA3-256 hash of the content, so a fetched blob verifies
// itself.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"
)

// MaxSize caps blob content. Oversized blobs are refused on both the store
// and the replication path.
const MaxSize = 5 << 20

var (
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("blob too large")
	ErrRefMismatch = errors.New("blob content does not match ref")
)

// Ref identifies a blob: the SHA3-256 hash of its content.
type Ref [32]byte

func ParseRef(s string) (Ref, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return Ref{}, fmt.Errorf("bad blob ref: %q", s)
	}
	var r Ref
	copy(r[:], raw)
	return r, nil
}

// FromContent derives the ref of a blob's content.
func FromContent(data []byte) Ref {
	return sha3.Sum256(data)
}

func (r Ref) String() string {
	return hex.EncodeToString(r[:])
}

func (r Ref) IsZero() bool {
	return r == Ref{}
}

func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Ref) UnmarshalText(text []byte) error {
	parsed, err := ParseRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Store keeps blobs as files under dir, sharded by the first ref byte, plus
// an in-memory want list. Wants carry a negative hop distance
// (-1 = wanted locally); satisfying a blob clears its want.
type Store struct {
	dir string

	mu       sync.Mutex
	wants    map[Ref]int64
	watchers []chan struct{}
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, wants: make(map[Ref]int64)}, nil
}

func (s *Store) path(r Ref) string {
	h := r.String()
	return filepath.Join(s.dir, h[:2], h[2:])
}

// Add stores new local content and returns its ref. Re-adding existing
// content is a no-op with the same ref.
func (s *Store) Add(data []byte) (Ref, error) {
	r := FromContent(data)
	return r, s.Put(r, data)
}

// Put stores content that is expected to hash to r; replicated blobs arrive
// through here so a corrupted transfer never lands on disk.
func (s *Store) Put(r Ref, data []byte) error {
	if len(data) > MaxSize {
		return ErrTooLarge
	}
	if FromContent(data) != r {
		return ErrRefMismatch
	}
	path := s.path(r)
	if _, err := os.Stat(path); err == nil {
		s.clearWant(r)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.clearWant(r)
	return nil
}

func (s *Store) Get(r Ref) ([]byte, error) {
	data, err := os.ReadFile(s.path(r))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Size reports the stored byte count of r and whether it is present.
func (s *Store) Size(r Ref) (int64, bool) {
	fi, err := os.Stat(s.path(r))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// Want marks r as wanted from peers. Present blobs are never wanted.
func (s *Store) Want(r Ref) {
	if _, ok := s.Size(r); ok {
		return
	}
	s.mu.Lock()
	if _, ok := s.wants[r]; ok {
		s.mu.Unlock()
		return
	}
	s.wants[r] = -1
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Unwant(r Ref) {
	s.mu.Lock()
	if _, ok := s.wants[r]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.wants, r)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Wanted(r Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.wants[r]
	return ok
}

// Wants snapshots the want list, ref to hop distance.
func (s *Store) Wants() map[Ref]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Ref]int64, len(s.wants))
	for r, d := range s.wants {
		out[r] = d
	}
	return out
}

// WantList returns the wanted refs in stable order, for the control plane.
func (s *Store) WantList() []Ref {
	wants := s.Wants()
	refs := make([]Ref, 0, len(wants))
	for r := range wants {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

func (s *Store) clearWant(r Ref) {
	s.mu.Lock()
	delete(s.wants, r)
	s.mu.Unlock()
	s.notify()
}

// Watch returns a channel pulsed after every store change: a want added or a
// blob landing. Signals coalesce; receivers re-read the store.
func (s *Store) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify() {
	s.mu.Lock()
	watchers := s.watchers
	s.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
