// Package store persists feeds in a leveldb database. Keys use one-byte
// prefixes: 0x00|feed -> latest sequence, 0x01|feed|seq -> message JSON.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"feedsync/internal/debuglog"
	"feedsync/internal/feed"
)

const (
	prefixLatestSeq = 0x00
	prefixMessage   = 0x01
)

const (
	latestCacheSize = 4096
	lockStripes     = 32
)

var (
	ErrSequenceMismatch = errors.New("sequence mismatch")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrBadPrevious      = errors.New("previous hash mismatch")
	ErrNotFound         = errors.New("message not found")
)

// AppendHook observes successful appends. The session manager uses it to
// wake sessions that may want to extend their outbound streams.
type AppendHook func(id feed.ID, seq uint64)

type Store struct {
	db       *leveldb.DB
	verifier feed.Verifier
	latest   *lru.Cache
	locks    [lockStripes]sync.Mutex

	hookMu sync.RWMutex
	hook   AppendHook
}

func Open(path string, verifier feed.Verifier) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open feed db: %w", err)
	}
	cache, err := lru.New(latestCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, verifier: verifier, latest: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SetAppendHook(hook AppendHook) {
	s.hookMu.Lock()
	s.hook = hook
	s.hookMu.Unlock()
}

func keyLatest(id feed.ID) []byte {
	key := make([]byte, 0, 1+32)
	key = append(key, prefixLatestSeq)
	key = append(key, id[:]...)
	return key
}

func keyMessage(id feed.ID, seq uint64) []byte {
	key := make([]byte, 0, 1+32+8)
	key = append(key, prefixMessage)
	key = append(key, id[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], seq)
	key = append(key, tmp[:]...)
	return key
}

// HighestSequence reads as 0 for an unknown feed and never fails outward;
// a corrupt latest-seq record is logged and read as 0.
func (s *Store) HighestSequence(id feed.ID) uint64 {
	if v, ok := s.latest.Get(id); ok {
		return v.(uint64)
	}
	raw, err := s.db.Get(keyLatest(id), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			debuglog.Logf("store: latest seq read failed feed=%s err=%v", id, err)
		}
		return 0
	}
	if len(raw) != 8 {
		debuglog.Logf("store: corrupt latest seq feed=%s len=%d", id, len(raw))
		return 0
	}
	seq := binary.BigEndian.Uint64(raw)
	s.latest.Add(id, seq)
	return seq
}

// Append admits the next-in-sequence message for its feed. The message and
// the latest-seq record are written in one batch; appends to the same feed
// serialize on a lock stripe so the contiguity invariant holds under
// concurrent sessions.
func (s *Store) Append(m *feed.Message) error {
	if err := s.verifier.Verify(m); err != nil {
		return fmt.Errorf("%w: %s seq=%d", ErrInvalidSignature, m.Feed, m.Sequence)
	}

	mu := &s.locks[m.Feed[0]%lockStripes]
	mu.Lock()
	err := s.appendLocked(m)
	mu.Unlock()
	if err != nil {
		return err
	}

	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(m.Feed, m.Sequence)
	}
	return nil
}

func (s *Store) appendLocked(m *feed.Message) error {
	high := s.HighestSequence(m.Feed)
	if m.Sequence != high+1 {
		return fmt.Errorf("%w: feed=%s have=%d got=%d", ErrSequenceMismatch, m.Feed, high, m.Sequence)
	}
	if high == 0 {
		if m.Previous != "" {
			return fmt.Errorf("%w: feed=%s seq=1 has previous", ErrBadPrevious, m.Feed)
		}
	} else {
		prev, err := s.Get(m.Feed, high)
		if err != nil {
			return err
		}
		if m.Previous != prev.Key() {
			return fmt.Errorf("%w: feed=%s seq=%d", ErrBadPrevious, m.Feed, m.Sequence)
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], m.Sequence)

	batch := new(leveldb.Batch)
	batch.Put(keyMessage(m.Feed, m.Sequence), raw)
	batch.Put(keyLatest(m.Feed), seqBuf[:])
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("append feed=%s seq=%d: %w", m.Feed, m.Sequence, err)
	}
	s.latest.Add(m.Feed, m.Sequence)
	return nil
}

func (s *Store) Get(id feed.ID, seq uint64) (*feed.Message, error) {
	raw, err := s.db.Get(keyMessage(id, seq), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: feed=%s seq=%d", ErrNotFound, id, seq)
		}
		return nil, err
	}
	var m feed.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode feed=%s seq=%d: %w", id, seq, err)
	}
	return &m, nil
}

// Range yields messages of one feed in sequence order. The upper bound is
// the feed's highest sequence at the time ReadRange was called; the range
// never blocks waiting for future appends.
type Range struct {
	store *Store
	id    feed.ID
	next  uint64
	high  uint64
}

func (s *Store) ReadRange(id feed.ID, from uint64) *Range {
	if from == 0 {
		from = 1
	}
	return &Range{store: s, id: id, next: from, high: s.HighestSequence(id)}
}

// Next returns the next message, or (nil, nil) once the range is exhausted.
func (r *Range) Next() (*feed.Message, error) {
	if r.next > r.high {
		return nil, nil
	}
	m, err := r.store.Get(r.id, r.next)
	if err != nil {
		return nil, err
	}
	r.next++
	return m, nil
}

// Remaining reports how many messages the range has left to yield.
func (r *Range) Remaining() uint64 {
	if r.next > r.high {
		return 0
	}
	return r.high - r.next + 1
}
