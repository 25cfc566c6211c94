package ebt

import (
	"testing"

	"feedsync/internal/feed"
)

type fakeStore map[feed.ID]uint64

func (f fakeStore) HighestSequence(id feed.ID) uint64 {
	return f[id]
}

func fid(b byte) feed.ID {
	var id feed.ID
	id[0] = b
	return id
}

func TestInitialClock(t *testing.T) {
	fa, fb := fid(1), fid(2)
	st := fakeStore{fa: 3}
	m := NewMachine(st, []feed.ID{fa, fb})

	clock := m.InitialClock()
	if len(clock) != 2 {
		t.Fatalf("clock size = %d", len(clock))
	}
	if n := clock[fa]; n.Seq != 3 || !n.Recv || !n.Send {
		t.Fatalf("note a = %+v", n)
	}
	// Nothing stored yet, so nothing to serve.
	if n := clock[fb]; n.Seq != 0 || !n.Recv || n.Send {
		t.Fatalf("note b = %+v", n)
	}
	for id, phase := range m.Status() {
		if phase != PhaseNegotiating {
			t.Fatalf("feed %s phase = %s", id, phase)
		}
	}
}

func TestSymmetricComparison(t *testing.T) {
	// A holds 3, B holds 7: A requests, B sends, and the decisions are
	// mirror images without any extra round trip.
	f := fid(1)
	a := NewMachine(fakeStore{f: 3}, []feed.ID{f})
	b := NewMachine(fakeStore{f: 7}, []feed.ID{f})

	clockA := a.InitialClock()
	clockB := b.InitialClock()

	actsA := a.ApplyRemoteClock(clockB)
	actsB := b.ApplyRemoteClock(clockA)

	if len(actsA) != 0 {
		t.Fatalf("A should not send, got %v", actsA)
	}
	if len(actsB) != 1 || actsB[0].Kind != ActionSend || actsB[0].From != 4 {
		t.Fatalf("B actions = %v", actsB)
	}
	if a.Status()[f] != PhaseRequesting {
		t.Fatalf("A phase = %s", a.Status()[f])
	}
	if b.Status()[f] != PhaseSending {
		t.Fatalf("B phase = %s", b.Status()[f])
	}
}

func TestConvergenceToUpToDate(t *testing.T) {
	f := fid(1)
	stA := fakeStore{f: 3}
	stB := fakeStore{f: 7}
	a := NewMachine(stA, []feed.ID{f})
	b := NewMachine(stB, []feed.ID{f})

	b.ApplyRemoteClock(a.InitialClock())
	a.ApplyRemoteClock(b.InitialClock())

	// B sends 4..7; A appends each.
	for seq := uint64(4); seq <= 7; seq++ {
		stA[f] = seq
		a.OnAppended(f, seq)
	}
	if a.Status()[f] != PhaseUpToDate {
		t.Fatalf("A phase = %s", a.Status()[f])
	}

	// A's next note tells B it is caught up; B stops sending.
	acts := b.ApplyRemoteClock(a.FlushDirty())
	if len(acts) != 1 || acts[0].Kind != ActionStopSend {
		t.Fatalf("B actions = %v", acts)
	}
	if b.Status()[f] != PhaseUpToDate {
		t.Fatalf("B phase = %s", b.Status()[f])
	}
}

func TestRecvFalseSuppressesSend(t *testing.T) {
	f := fid(1)
	m := NewMachine(fakeStore{f: 5}, []feed.ID{f})
	m.InitialClock()
	acts := m.ApplyRemoteClock(Clock{f: {Seq: 2, Recv: false, Send: true}})
	for _, a := range acts {
		if a.Kind == ActionSend {
			t.Fatalf("send started despite recv=false: %v", acts)
		}
	}
	if m.Sending(f) {
		t.Fatal("machine reports sending despite recv=false")
	}
}

func TestLocalAppendStartsAndExtendsSend(t *testing.T) {
	f := fid(1)
	st := fakeStore{f: 2}
	m := NewMachine(st, []feed.ID{f})
	m.InitialClock()

	// Peer is level with us; no send yet.
	m.ApplyRemoteClock(Clock{f: {Seq: 2, Recv: true, Send: true}})
	if m.Sending(f) {
		t.Fatal("sending before any append")
	}

	// A local append overtakes the peer and starts the stream.
	st[f] = 3
	acts := m.OnLocalAppend(f, 3)
	if len(acts) != 1 || acts[0].Kind != ActionSend || acts[0].From != 3 {
		t.Fatalf("actions = %v", acts)
	}

	// Further appends extend the active stream (tailing).
	st[f] = 4
	acts = m.OnLocalAppend(f, 4)
	if len(acts) != 1 || acts[0].Kind != ActionSend || acts[0].From != 4 {
		t.Fatalf("actions = %v", acts)
	}
}

func TestUnfollowedFeedDeclined(t *testing.T) {
	f, other := fid(1), fid(9)
	m := NewMachine(fakeStore{}, []feed.ID{f})
	m.InitialClock()
	acts := m.ApplyRemoteClock(Clock{other: {Seq: 4, Recv: true, Send: true}})
	if len(acts) != 0 {
		t.Fatalf("actions for unfollowed feed: %v", acts)
	}
	clock := m.FlushDirty()
	n, ok := clock[other]
	if !ok {
		t.Fatal("no decline note for unfollowed feed")
	}
	if n.Recv || n.Send {
		t.Fatalf("decline note = %+v", n)
	}
}

func TestRetractRemote(t *testing.T) {
	f := fid(1)
	st := fakeStore{f: 5}
	m := NewMachine(st, []feed.ID{f})
	m.InitialClock()
	m.ApplyRemoteClock(Clock{f: {Seq: 1, Recv: true, Send: true}})
	if !m.Sending(f) {
		t.Fatal("expected sending before retraction")
	}

	acts := m.RetractRemote(f)
	if len(acts) != 1 || acts[0].Kind != ActionStopSend {
		t.Fatalf("actions = %v", acts)
	}
	if _, ok := m.RemoteNote(f); ok {
		t.Fatal("remote note survived retraction")
	}
	clock := m.FlushDirty()
	if n := clock[f]; n.Recv {
		t.Fatalf("retraction note still wants receive: %+v", n)
	}

	// A fresh note from the peer renegotiates.
	m.ApplyRemoteClock(Clock{f: {Seq: 9, Recv: true, Send: true}})
	clock = m.FlushDirty()
	if n := clock[f]; !n.Recv {
		t.Fatalf("note after renegotiation = %+v", n)
	}
}

func TestFlushDirtyDedupes(t *testing.T) {
	f := fid(1)
	st := fakeStore{f: 1}
	m := NewMachine(st, []feed.ID{f})
	m.InitialClock()
	if clock := m.FlushDirty(); clock != nil {
		t.Fatalf("unexpected flush: %v", clock)
	}

	// A dirty mark with no effective change stays quiet.
	m.OnAppended(f, 1)
	if clock := m.FlushDirty(); clock != nil {
		t.Fatalf("flush repeated unchanged note: %v", clock)
	}

	st[f] = 2
	m.OnLocalAppend(f, 2)
	clock := m.FlushDirty()
	if n := clock[f]; n.Seq != 2 {
		t.Fatalf("note = %+v", n)
	}
}

func TestUpdateDirectory(t *testing.T) {
	f, g := fid(1), fid(2)
	st := fakeStore{f: 1, g: 4}
	m := NewMachine(st, []feed.ID{f})
	m.InitialClock()
	m.ApplyRemoteClock(Clock{f: {Seq: 1, Recv: true, Send: true}})

	m.UpdateDirectory([]feed.ID{g})
	clock := m.FlushDirty()
	if n := clock[f]; n.Recv || n.Send {
		t.Fatalf("unfollow note = %+v", n)
	}
	if n := clock[g]; !n.Recv || n.Seq != 4 {
		t.Fatalf("follow note = %+v", n)
	}
}

func TestClosedMachineIsInert(t *testing.T) {
	f := fid(1)
	m := NewMachine(fakeStore{f: 2}, []feed.ID{f})
	m.InitialClock()
	m.Close()
	if acts := m.ApplyRemoteClock(Clock{f: {Seq: 9, Recv: true, Send: true}}); acts != nil {
		t.Fatalf("actions after close: %v", acts)
	}
	if clock := m.FlushDirty(); clock != nil {
		t.Fatalf("flush after close: %v", clock)
	}
	if m.Status()[f] != PhaseClosed {
		t.Fatalf("phase = %s", m.Status()[f])
	}
}
