package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Replication ReplicationMetrics `json:"replication"`
	Sessions    SessionMetrics     `json:"sessions"`
}

type ReplicationMetrics struct {
	MessagesAppended  uint64 `json:"messages_appended"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	NotesSent         uint64 `json:"notes_sent"`
	NotesReceived     uint64 `json:"notes_received"`
	HistoryRequests   uint64 `json:"history_requests"`
	DropSequence      uint64 `json:"drop_sequence"`
	DropSignature     uint64 `json:"drop_signature"`
	SubStreamErrors   uint64 `json:"substream_errors"`
	ClassicFallbacks  uint64 `json:"classic_fallbacks"`
	NoteRetractions   uint64 `json:"note_retractions"`
	FeedsUpToDate     uint64 `json:"feeds_up_to_date"`
	BlobsStored       uint64 `json:"blobs_stored"`
	BlobsSent         uint64 `json:"blobs_sent"`
}

type SessionMetrics struct {
	Opened  uint64 `json:"opened"`
	Closed  uint64 `json:"closed"`
	Failed  uint64 `json:"failed"`
	Paused  uint64 `json:"paused"`
	Resumed uint64 `json:"resumed"`
}

type Metrics struct {
	messagesAppended atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	notesSent        atomic.Uint64
	notesReceived    atomic.Uint64
	historyRequests  atomic.Uint64
	dropSequence     atomic.Uint64
	dropSignature    atomic.Uint64
	subStreamErrors  atomic.Uint64
	classicFallbacks atomic.Uint64
	noteRetractions  atomic.Uint64
	feedsUpToDate    atomic.Uint64
	blobsStored      atomic.Uint64
	blobsSent        atomic.Uint64

	sessionsOpened  atomic.Uint64
	sessionsClosed  atomic.Uint64
	sessionsFailed  atomic.Uint64
	sessionsPaused  atomic.Uint64
	sessionsResumed atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncMessagesAppended() { m.messagesAppended.Add(1) }
func (m *Metrics) IncMessagesSent()     { m.messagesSent.Add(1) }
func (m *Metrics) IncMessagesReceived() { m.messagesReceived.Add(1) }
func (m *Metrics) IncNotesSent()        { m.notesSent.Add(1) }
func (m *Metrics) IncNotesReceived()    { m.notesReceived.Add(1) }
func (m *Metrics) IncHistoryRequests()  { m.historyRequests.Add(1) }
func (m *Metrics) IncDropSequence()     { m.dropSequence.Add(1) }
func (m *Metrics) IncDropSignature()    { m.dropSignature.Add(1) }
func (m *Metrics) IncSubStreamErrors()  { m.subStreamErrors.Add(1) }
func (m *Metrics) IncClassicFallbacks() { m.classicFallbacks.Add(1) }
func (m *Metrics) IncNoteRetractions()  { m.noteRetractions.Add(1) }
func (m *Metrics) IncBlobsStored()      { m.blobsStored.Add(1) }
func (m *Metrics) IncBlobsSent()        { m.blobsSent.Add(1) }
func (m *Metrics) IncSessionsOpened()   { m.sessionsOpened.Add(1) }
func (m *Metrics) IncSessionsClosed()   { m.sessionsClosed.Add(1) }
func (m *Metrics) IncSessionsFailed()   { m.sessionsFailed.Add(1) }
func (m *Metrics) IncSessionsPaused()   { m.sessionsPaused.Add(1) }
func (m *Metrics) IncSessionsResumed()  { m.sessionsResumed.Add(1) }

func (m *Metrics) SetFeedsUpToDate(n uint64) { m.feedsUpToDate.Store(n) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Replication: ReplicationMetrics{
			MessagesAppended: m.messagesAppended.Load(),
			MessagesSent:     m.messagesSent.Load(),
			MessagesReceived: m.messagesReceived.Load(),
			NotesSent:        m.notesSent.Load(),
			NotesReceived:    m.notesReceived.Load(),
			HistoryRequests:  m.historyRequests.Load(),
			DropSequence:     m.dropSequence.Load(),
			DropSignature:    m.dropSignature.Load(),
			SubStreamErrors:  m.subStreamErrors.Load(),
			ClassicFallbacks: m.classicFallbacks.Load(),
			NoteRetractions:  m.noteRetractions.Load(),
			FeedsUpToDate:    m.feedsUpToDate.Load(),
			BlobsStored:      m.blobsStored.Load(),
			BlobsSent:        m.blobsSent.Load(),
		},
		Sessions: SessionMetrics{
			Opened:  m.sessionsOpened.Load(),
			Closed:  m.sessionsClosed.Load(),
			Failed:  m.sessionsFailed.Load(),
			Paused:  m.sessionsPaused.Load(),
			Resumed: m.sessionsResumed.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
