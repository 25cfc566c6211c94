// Package ebt implements the per-(peer, feed) replication state machine.
// Peers exchange clocks (one note per feed stating known progress and
// intent); each side compares notes symmetrically and decides independently
// what to request and what to send, so no negotiation round-trips exist.
package ebt

import (
	"feedsync/internal/feed"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseNegotiating
	PhaseRequesting
	PhaseSending
	PhaseBoth
	PhaseUpToDate
	PhasePaused
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseRequesting:
		return "requesting"
	case PhaseSending:
		return "sending"
	case PhaseBoth:
		return "requesting+sending"
	case PhaseUpToDate:
		return "up-to-date"
	case PhasePaused:
		return "paused"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Note is the per-feed replication signal. Seq is the sender's highest known
// sequence; Recv means "I want new messages"; Send means "I can serve".
type Note struct {
	Seq  uint64 `json:"seq"`
	Recv bool   `json:"recv"`
	Send bool   `json:"send"`
}

// Clock maps feeds to notes; it is the wire payload of a note exchange.
type Clock map[feed.ID]Note

// StoreView is the read-only slice of the feed store the machine consults.
type StoreView interface {
	HighestSequence(id feed.ID) uint64
}

type ActionKind int

const (
	// ActionSend starts or extends the outbound message stream for a feed,
	// beginning at From.
	ActionSend ActionKind = iota
	// ActionStopSend tears down the outbound stream for a feed.
	ActionStopSend
)

type Action struct {
	Kind ActionKind
	Feed feed.ID
	From uint64
}

type feedState struct {
	phase      Phase
	localSent  Note
	noteSent   bool
	remote     Note
	remoteSet  bool
	requesting bool
	sending    bool
	declined   bool
}

// Machine holds the replication state for one peer session. It is not safe
// for concurrent use; the owning session drives it from its dispatch loop.
type Machine struct {
	store    StoreView
	followed map[feed.ID]bool
	feeds    map[feed.ID]*feedState
	dirty    map[feed.ID]struct{}
	paused   bool
	closed   bool
}

func NewMachine(store StoreView, followed []feed.ID) *Machine {
	m := &Machine{
		store:    store,
		followed: make(map[feed.ID]bool, len(followed)),
		feeds:    make(map[feed.ID]*feedState, len(followed)),
		dirty:    make(map[feed.ID]struct{}),
	}
	for _, id := range followed {
		m.followed[id] = true
		m.feeds[id] = &feedState{phase: PhaseInit}
	}
	return m
}

func (m *Machine) localNote(id feed.ID) Note {
	if !m.followed[id] {
		return Note{Seq: 0, Recv: false, Send: false}
	}
	high := m.store.HighestSequence(id)
	note := Note{Seq: high, Recv: true, Send: high > 0}
	if fs := m.feeds[id]; fs != nil && fs.declined {
		note.Recv = false
	}
	return note
}

// InitialClock computes the first clock of the session and moves every
// followed feed from Init to Negotiating.
func (m *Machine) InitialClock() Clock {
	clock := make(Clock, len(m.feeds))
	for id, fs := range m.feeds {
		note := m.localNote(id)
		fs.localSent = note
		fs.noteSent = true
		if fs.phase == PhaseInit {
			fs.phase = PhaseNegotiating
		}
		clock[id] = note
	}
	return clock
}

// ApplyRemoteClock folds the peer's notes in and returns the send-side
// actions that follow from the symmetric comparison. The requesting side
// needs no action: our own note already tells the peer what to push.
func (m *Machine) ApplyRemoteClock(clock Clock) []Action {
	if m.closed {
		return nil
	}
	var actions []Action
	for id, remote := range clock {
		fs := m.feeds[id]
		if fs == nil {
			fs = &feedState{phase: PhaseNegotiating}
			m.feeds[id] = fs
		}
		fs.remote = remote
		fs.remoteSet = true
		// A fresh note from the peer renegotiates a feed we had declined
		// after a validation failure; the next flush re-announces interest.
		if fs.declined {
			fs.declined = false
			m.dirty[id] = struct{}{}
		}

		if !m.followed[id] {
			// Not in the replicate directory: decline both directions.
			m.dirty[id] = struct{}{}
			fs.phase = PhaseNegotiating
			continue
		}

		local := m.localNote(id)
		wasSending := fs.sending

		fs.requesting = remote.Send && remote.Seq > local.Seq
		fs.sending = remote.Recv && local.Seq > remote.Seq

		if wasSending && !fs.sending {
			actions = append(actions, Action{Kind: ActionStopSend, Feed: id})
		}
		if fs.sending && !wasSending {
			actions = append(actions, Action{Kind: ActionSend, Feed: id, From: remote.Seq + 1})
		}
		fs.phase = m.phaseFor(fs, local)
	}
	return actions
}

func (m *Machine) phaseFor(fs *feedState, local Note) Phase {
	switch {
	case fs.requesting && fs.sending:
		return PhaseBoth
	case fs.requesting:
		return PhaseRequesting
	case fs.sending:
		return PhaseSending
	case fs.remoteSet && fs.remote.Seq == local.Seq:
		return PhaseUpToDate
	default:
		return PhaseNegotiating
	}
}

// OnLocalAppend reacts to a new message in the local store, whether
// published locally or replicated from another session. The note change is
// batched; an active send stream is extended (tailing).
func (m *Machine) OnLocalAppend(id feed.ID, seq uint64) []Action {
	if m.closed {
		return nil
	}
	fs := m.feeds[id]
	if fs == nil || !m.followed[id] {
		return nil
	}
	m.dirty[id] = struct{}{}
	if fs.phase == PhaseUpToDate {
		fs.phase = PhaseNegotiating
	}
	if fs.remoteSet && fs.remote.Recv && !fs.sending && seq > fs.remote.Seq {
		fs.sending = true
		fs.phase = m.phaseFor(fs, m.localNote(id))
		return []Action{{Kind: ActionSend, Feed: id, From: fs.remote.Seq + 1}}
	}
	if fs.sending {
		return []Action{{Kind: ActionSend, Feed: id, From: seq}}
	}
	return nil
}

// OnAppended records replication progress for a feed we are requesting. When
// local knowledge catches up with the peer's note the request side settles.
func (m *Machine) OnAppended(id feed.ID, seq uint64) {
	fs := m.feeds[id]
	if fs == nil {
		return
	}
	m.dirty[id] = struct{}{}
	if fs.requesting && fs.remoteSet && seq >= fs.remote.Seq {
		fs.requesting = false
		fs.phase = m.phaseFor(fs, m.localNote(id))
	}
}

// RetractRemote drops the peer's note for a feed after a validation failure
// and declines further messages until the peer renegotiates with a fresh
// note. Both directions stop; the decline travels in the next clock flush.
func (m *Machine) RetractRemote(id feed.ID) []Action {
	fs := m.feeds[id]
	if fs == nil {
		return nil
	}
	fs.remote = Note{}
	fs.remoteSet = false
	fs.requesting = false
	fs.declined = true
	m.dirty[id] = struct{}{}
	wasSending := fs.sending
	fs.sending = false
	fs.phase = PhaseNegotiating
	if wasSending {
		return []Action{{Kind: ActionStopSend, Feed: id}}
	}
	return nil
}

// FlushDirty returns the batched note updates accumulated since the last
// flush, or nil when there is nothing to announce.
func (m *Machine) FlushDirty() Clock {
	if m.closed || len(m.dirty) == 0 {
		return nil
	}
	clock := make(Clock, len(m.dirty))
	for id := range m.dirty {
		note := m.localNote(id)
		if fs := m.feeds[id]; fs != nil {
			if fs.noteSent && fs.localSent == note {
				continue
			}
			fs.localSent = note
			fs.noteSent = true
		}
		clock[id] = note
	}
	m.dirty = make(map[feed.ID]struct{})
	if len(clock) == 0 {
		return nil
	}
	return clock
}

// UpdateDirectory reconciles the followed set with a fresh directory
// snapshot. Newly followed feeds get notes; unfollowed feeds get a
// retraction note.
func (m *Machine) UpdateDirectory(followed []feed.ID) {
	next := make(map[feed.ID]bool, len(followed))
	for _, id := range followed {
		next[id] = true
		if !m.followed[id] {
			if m.feeds[id] == nil {
				m.feeds[id] = &feedState{phase: PhaseNegotiating}
			}
			m.dirty[id] = struct{}{}
		}
	}
	for id := range m.followed {
		if !next[id] {
			m.dirty[id] = struct{}{}
			if fs := m.feeds[id]; fs != nil {
				fs.requesting = false
				fs.sending = false
				fs.phase = PhaseNegotiating
			}
		}
	}
	m.followed = next
}

// Sending reports whether the machine considers the feed's outbound
// sub-stream active.
func (m *Machine) Sending(id feed.ID) bool {
	fs := m.feeds[id]
	return fs != nil && fs.sending
}

func (m *Machine) RemoteNote(id feed.ID) (Note, bool) {
	fs := m.feeds[id]
	if fs == nil || !fs.remoteSet {
		return Note{}, false
	}
	return fs.remote, true
}

func (m *Machine) Pause() {
	m.paused = true
}

func (m *Machine) Resume() {
	m.paused = false
}

func (m *Machine) Paused() bool {
	return m.paused
}

func (m *Machine) Close() {
	m.closed = true
	for _, fs := range m.feeds {
		fs.phase = PhaseClosed
		fs.requesting = false
		fs.sending = false
	}
}

// Status reports the phase per feed for the control plane.
func (m *Machine) Status() map[feed.ID]Phase {
	out := make(map[feed.ID]Phase, len(m.feeds))
	for id, fs := range m.feeds {
		switch {
		case m.closed:
			out[id] = PhaseClosed
		case m.paused:
			out[id] = PhasePaused
		default:
			out[id] = fs.phase
		}
	}
	return out
}
