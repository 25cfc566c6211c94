package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"feedsync/internal/feed"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "feeds.db"), feed.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type author struct {
	id   feed.ID
	priv ed25519.PrivateKey
	prev string
	seq  uint64
}

func newAuthor(t *testing.T) *author {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &author{id: feed.FromPublicKey(pub), priv: priv}
}

func (a *author) next(t *testing.T, content string) *feed.Message {
	t.Helper()
	a.seq++
	m := &feed.Message{
		Feed:      a.id,
		Sequence:  a.seq,
		Previous:  a.prev,
		Timestamp: int64(a.seq),
		Content:   []byte(content),
	}
	feed.Sign(a.priv, m)
	a.prev = m.Key()
	return m
}

func TestAppendContiguous(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	for i := 0; i < 5; i++ {
		if err := st.Append(a.next(t, `"m"`)); err != nil {
			t.Fatalf("append %d: %v", i+1, err)
		}
	}
	if got := st.HighestSequence(a.id); got != 5 {
		t.Fatalf("highest = %d, want 5", got)
	}
	m, err := st.Get(a.id, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Sequence != 3 || m.Feed != a.id {
		t.Fatalf("got seq=%d feed=%s", m.Sequence, m.Feed)
	}
}

func TestAppendRejectsGap(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	if err := st.Append(a.next(t, `"1"`)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	m2 := a.next(t, `"2"`)
	m3 := a.next(t, `"3"`)

	// n+2 before n+1 must be rejected without touching state.
	if err := st.Append(m3); !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("expected sequence mismatch, got %v", err)
	}
	if got := st.HighestSequence(a.id); got != 1 {
		t.Fatalf("highest changed to %d after rejected append", got)
	}
	if err := st.Append(m2); err != nil {
		t.Fatalf("append 2 after rejection: %v", err)
	}
	if err := st.Append(m3); err != nil {
		t.Fatalf("append 3 after 2: %v", err)
	}
}

func TestAppendRejectsBadSignature(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	m := a.next(t, `"1"`)
	m.Signature[0] ^= 0xff
	if err := st.Append(m); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if got := st.HighestSequence(a.id); got != 0 {
		t.Fatalf("highest = %d after rejected append", got)
	}
}

func TestAppendRejectsBrokenChain(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	if err := st.Append(a.next(t, `"1"`)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	m := &feed.Message{
		Feed:      a.id,
		Sequence:  2,
		Previous:  "0000000000000000000000000000000000000000000000000000000000000000",
		Timestamp: 2,
		Content:   []byte(`"2"`),
	}
	feed.Sign(a.priv, m)
	if err := st.Append(m); !errors.Is(err, ErrBadPrevious) {
		t.Fatalf("expected bad previous, got %v", err)
	}
}

func TestFirstMessageMustNotHavePrevious(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	m := &feed.Message{Feed: a.id, Sequence: 1, Previous: "ab", Timestamp: 1, Content: []byte(`"1"`)}
	feed.Sign(a.priv, m)
	if err := st.Append(m); !errors.Is(err, ErrBadPrevious) {
		t.Fatalf("expected bad previous, got %v", err)
	}
}

func TestHighestSequenceUnknownFeed(t *testing.T) {
	st := openTestStore(t)
	var id feed.ID
	id[0] = 0x42
	if got := st.HighestSequence(id); got != 0 {
		t.Fatalf("highest = %d for unknown feed", got)
	}
}

func TestReadRange(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	for i := 0; i < 4; i++ {
		if err := st.Append(a.next(t, `"m"`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rng := st.ReadRange(a.id, 2)
	if rng.Remaining() != 3 {
		t.Fatalf("remaining = %d, want 3", rng.Remaining())
	}
	var seqs []uint64
	for {
		m, err := rng.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m == nil {
			break
		}
		seqs = append(seqs, m.Sequence)
	}
	if len(seqs) != 3 || seqs[0] != 2 || seqs[2] != 4 {
		t.Fatalf("seqs = %v", seqs)
	}

	// Past the end yields an empty range, not an error.
	rng = st.ReadRange(a.id, 10)
	m, err := rng.Next()
	if err != nil || m != nil {
		t.Fatalf("expected empty range, got m=%v err=%v", m, err)
	}
}

func TestAppendHookFires(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	var got []uint64
	st.SetAppendHook(func(id feed.ID, seq uint64) {
		if id == a.id {
			got = append(got, seq)
		}
	})
	for i := 0; i < 3; i++ {
		if err := st.Append(a.next(t, `"m"`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("hook calls = %v", got)
	}
}

func TestConcurrentAppendsDistinctFeeds(t *testing.T) {
	st := openTestStore(t)
	const feeds = 8
	const msgs = 10
	authors := make([]*author, feeds)
	for i := range authors {
		authors[i] = newAuthor(t)
	}
	chains := make([][]*feed.Message, feeds)
	for i, a := range authors {
		for j := 0; j < msgs; j++ {
			chains[i] = append(chains[i], a.next(t, `"m"`))
		}
	}
	var wg sync.WaitGroup
	errs := make(chan error, feeds)
	for i := range authors {
		wg.Add(1)
		go func(chain []*feed.Message) {
			defer wg.Done()
			for _, m := range chain {
				if err := st.Append(m); err != nil {
					errs <- err
					return
				}
			}
		}(chains[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	for _, a := range authors {
		if got := st.HighestSequence(a.id); got != msgs {
			t.Fatalf("feed %s highest = %d, want %d", a.id, got, msgs)
		}
	}
}

func TestConcurrentAppendsSameFeed(t *testing.T) {
	st := openTestStore(t)
	a := newAuthor(t)
	const msgs = 10
	const racers = 4

	// Every sequence is raced by several goroutines holding the same
	// next-in-chain message; the per-feed lock must let exactly one through.
	for i := 0; i < msgs; i++ {
		m := a.next(t, `"m"`)
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- st.Append(m)
			}()
		}
		wg.Wait()
		close(results)
		var ok, mismatched int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSequenceMismatch):
				mismatched++
			default:
				t.Fatalf("seq %d: unexpected error %v", m.Sequence, err)
			}
		}
		if ok != 1 || mismatched != racers-1 {
			t.Fatalf("seq %d: %d appends succeeded, %d mismatched", m.Sequence, ok, mismatched)
		}
	}

	if got := st.HighestSequence(a.id); got != msgs {
		t.Fatalf("highest = %d, want %d", got, msgs)
	}
	prev := ""
	for seq := uint64(1); seq <= msgs; seq++ {
		m, err := st.Get(a.id, seq)
		if err != nil {
			t.Fatalf("get %d: %v", seq, err)
		}
		if m.Sequence != seq || m.Previous != prev {
			t.Fatalf("seq %d: stored seq=%d previous=%q", seq, m.Sequence, m.Previous)
		}
		prev = m.Key()
	}
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.db")
	st, err := Open(path, feed.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a := newAuthor(t)
	if err := st.Append(a.next(t, `"1"`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, err = Open(path, feed.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if got := st.HighestSequence(a.id); got != 1 {
		t.Fatalf("highest after reopen = %d", got)
	}
	if err := st.Append(a.next(t, `"2"`)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
}
