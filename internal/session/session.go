// Package session runs one replication session per peer connection: a
// cooperative dispatch loop that interleaves inbound protocol frames,
// locally generated replication decisions, and control commands. One event
// is handled to completion per iteration, so no input source starves
// another.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"feedsync/internal/blob"
	"feedsync/internal/debuglog"
	"feedsync/internal/ebt"
	"feedsync/internal/feed"
	"feedsync/internal/history"
	"feedsync/internal/metrics"
	"feedsync/internal/muxrpc"
	"feedsync/internal/store"
)

const (
	methodEBT       = "ebt"
	methodHistory   = "history"
	methodBlobWants = "blob-wants"
	methodBlobGet   = "blob-get"

	ebtVersion = 3
	ebtFormat  = "classic"

	blobChunkSize = 64 << 10
)

// ErrSessionClosed reports a control command aimed at a session whose
// dispatch loop has already returned.
var ErrSessionClosed = errors.New("session closed")

// Log is the slice of the feed store a session uses.
type Log interface {
	HighestSequence(id feed.ID) uint64
	Append(m *feed.Message) error
	Get(id feed.ID, seq uint64) (*feed.Message, error)
	ReadRange(id feed.ID, from uint64) *store.Range
}

type Config struct {
	// EBTWaitTimeout bounds how long the accepting side waits for the peer
	// to open an EBT stream before falling back to history-stream pulls.
	EBTWaitTimeout time.Duration
	// StreamQueueSize is the outbound queue bound per mux stream.
	StreamQueueSize int
	// SendBatchSize caps outbound messages pushed per dispatch iteration.
	SendBatchSize int
	// InvalidLimit disconnects a peer after this many invalid messages.
	// Zero disables the policy.
	InvalidLimit int
}

func (c Config) withDefaults() Config {
	if c.EBTWaitTimeout <= 0 {
		c.EBTWaitTimeout = 5 * time.Second
	}
	if c.StreamQueueSize <= 0 {
		c.StreamQueueSize = muxrpc.DefaultQueueSize
	}
	if c.SendBatchSize <= 0 {
		c.SendBatchSize = 8
	}
	return c
}

// request is the first frame on a peer-initiated stream.
type request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type ebtArgs struct {
	Version int    `json:"version"`
	Format  string `json:"format"`
}

type blobGetArgs struct {
	Ref blob.Ref `json:"ref"`
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlClose
	ctrlStatus
)

type ctrlMsg struct {
	kind  ctrlKind
	reply chan map[feed.ID]ebt.Phase
}

// sender is the outbound cursor of one feed's tailing EBT sub-stream.
type sender struct {
	next uint64
}

// histServe is one history request being answered.
type histServe struct {
	cursor *history.Cursor
	out    *muxrpc.Stream
}

// histReq is one history request we issued and are consuming.
type histReq struct {
	feed feed.ID
	out  *muxrpc.Stream
}

// blobFetch is one blob-get we issued and are receiving.
type blobFetch struct {
	ref blob.Ref
	out *muxrpc.Stream
	buf []byte
}

// blobServe is one blob-get being answered, chunked through the queue.
type blobServe struct {
	out  *muxrpc.Stream
	data []byte
	off  int
}

type Session struct {
	peer      feed.ID
	initiator bool
	cfg       Config
	log       Log
	blobs     *blob.Store
	history   *history.Handler
	mux       *muxrpc.Mux
	machine   *ebt.Machine
	metrics   *metrics.Metrics
	dirVer    uint64

	ctrl chan ctrlMsg
	wake chan struct{}
	done chan struct{}

	pendMu      sync.Mutex
	pendAppends map[feed.ID]uint64
	pendDir     bool
	pendBlob    bool
	snapshot    func() ([]feed.ID, uint64)

	// dispatch-loop state, touched only from run()
	paused     bool
	ebtOut     *muxrpc.Stream
	ebtIn      map[uint32]struct{}
	ebtStarted bool
	pendClock  ebt.Clock
	senders    map[feed.ID]*sender
	histServes map[uint32]*histServe
	histReqs   map[uint32]*histReq
	invalid    int

	blobOut      *muxrpc.Stream
	blobIn       map[uint32]struct{}
	blobNotes    map[string]int64
	peerWants    map[blob.Ref]int64
	wantsSent    map[blob.Ref]struct{}
	blobGets     map[uint32]*blobFetch
	blobGetByRef map[blob.Ref]uint32
	blobServes   map[uint32]*blobServe
}

func newSession(peer feed.ID, rwc io.ReadWriteCloser, initiator bool, log Log, blobs *blob.Store, followed []feed.ID, dirVer uint64, snapshot func() ([]feed.ID, uint64), m *metrics.Metrics, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		peer:        peer,
		initiator:   initiator,
		cfg:         cfg,
		log:         log,
		blobs:       blobs,
		history:     history.NewHandler(log),
		mux:         muxrpc.New(rwc, initiator, cfg.StreamQueueSize),
		machine:     ebt.NewMachine(log, followed),
		metrics:     m,
		dirVer:      dirVer,
		ctrl:        make(chan ctrlMsg),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		pendAppends: make(map[feed.ID]uint64),
		snapshot:    snapshot,
		ebtIn:       make(map[uint32]struct{}),
		senders:     make(map[feed.ID]*sender),
		histServes:  make(map[uint32]*histServe),
		histReqs:    make(map[uint32]*histReq),

		blobIn:       make(map[uint32]struct{}),
		blobNotes:    make(map[string]int64),
		peerWants:    make(map[blob.Ref]int64),
		wantsSent:    make(map[blob.Ref]struct{}),
		blobGets:     make(map[uint32]*blobFetch),
		blobGetByRef: make(map[blob.Ref]uint32),
		blobServes:   make(map[uint32]*blobServe),
	}
}

func (s *Session) Peer() feed.ID {
	return s.peer
}

// NoteLocalAppend is called from other goroutines when the local store
// advanced. Signals coalesce per feed.
func (s *Session) NoteLocalAppend(id feed.ID, seq uint64) {
	s.pendMu.Lock()
	if cur, ok := s.pendAppends[id]; !ok || seq > cur {
		s.pendAppends[id] = seq
	}
	s.pendMu.Unlock()
	s.signalWake()
}

// NoteDirectoryChange tells the session to re-read the replicate directory.
func (s *Session) NoteDirectoryChange() {
	s.pendMu.Lock()
	s.pendDir = true
	s.pendMu.Unlock()
	s.signalWake()
}

// NoteBlobChange tells the session the blob store changed: a new want to
// announce, or a landed blob that may satisfy a peer want.
func (s *Session) NoteBlobChange() {
	s.pendMu.Lock()
	s.pendBlob = true
	s.pendMu.Unlock()
	s.signalWake()
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) control(ctx context.Context, kind ctrlKind) (map[feed.ID]ebt.Phase, error) {
	msg := ctrlMsg{kind: kind}
	if kind == ctrlStatus {
		msg.reply = make(chan map[feed.ID]ebt.Phase, 1)
	}
	select {
	case s.ctrl <- msg:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if msg.reply == nil {
		return nil, nil
	}
	select {
	case st := <-msg.reply:
		return st, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes the dispatch loop until the connection fails or the session
// is closed. It returns the session-fatal error, if any.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	if s.initiator {
		s.openEBT(ctx)
	}
	s.openBlobWants(ctx)

	var fallback <-chan time.Time
	if !s.initiator {
		t := time.NewTimer(s.cfg.EBTWaitTimeout)
		defer t.Stop()
		fallback = t.C
	}

	for {
		if s.paused {
			// Suspended: only control commands are serviced. Frames already
			// queued on mux streams keep draining in the background; nothing
			// new is produced and no inbound event is consumed.
			select {
			case c := <-s.ctrl:
				if done := s.handleCtrl(c); done {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case ev, ok := <-s.mux.Events():
			if !ok {
				err := s.mux.Err()
				if errors.Is(err, muxrpc.ErrMuxClosed) {
					return nil
				}
				return fmt.Errorf("transport: %w", err)
			}
			s.handleFrame(ctx, ev)
		case c := <-s.ctrl:
			if done := s.handleCtrl(c); done {
				return nil
			}
		case <-s.wake:
		case <-s.mux.Space():
			// Queue capacity freed somewhere; stalled work below retries.
		case <-fallback:
			fallback = nil
			if !s.ebtStarted {
				s.startClassic(ctx)
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if s.paused {
			continue
		}
		if s.cfg.InvalidLimit > 0 && s.invalid >= s.cfg.InvalidLimit {
			debuglog.Logf("session: dropping peer=%s after %d invalid messages", s.peer, s.invalid)
			return fmt.Errorf("peer sent %d invalid messages", s.invalid)
		}
		s.drainPending()
		s.flushNotes(ctx)
		s.flushBlobNotes(ctx)
		s.pumpWork(ctx)
	}
}

func (s *Session) teardown() {
	s.machine.Close()
	s.senders = map[feed.ID]*sender{}
	s.histServes = map[uint32]*histServe{}
	s.histReqs = map[uint32]*histReq{}
	s.blobGets = map[uint32]*blobFetch{}
	s.blobServes = map[uint32]*blobServe{}
	s.peerWants = map[blob.Ref]int64{}
	_ = s.mux.Close()
	close(s.done)
}

func (s *Session) handleCtrl(c ctrlMsg) bool {
	switch c.kind {
	case ctrlPause:
		if !s.paused {
			s.paused = true
			s.machine.Pause()
			s.metrics.IncSessionsPaused()
			debuglog.Debugf("session: paused peer=%s", s.peer)
		}
	case ctrlResume:
		if s.paused {
			s.paused = false
			s.machine.Resume()
			s.metrics.IncSessionsResumed()
			s.signalWake()
			debuglog.Debugf("session: resumed peer=%s", s.peer)
		}
	case ctrlClose:
		return true
	case ctrlStatus:
		c.reply <- s.machine.Status()
	}
	return false
}

// openEBT sends the replicate request and the initial clock on a fresh
// locally initiated stream.
func (s *Session) openEBT(ctx context.Context) {
	args, _ := json.Marshal(ebtArgs{Version: ebtVersion, Format: ebtFormat})
	req, _ := json.Marshal(request{Name: methodEBT, Args: args})
	st := s.mux.Open()
	if err := st.Send(ctx, req); err != nil {
		debuglog.Logf("session: ebt open failed peer=%s err=%v", s.peer, err)
		return
	}
	s.ebtOut = st
	s.ebtIn[st.ID()] = struct{}{}
	s.ebtStarted = true
	s.pendClock = mergeClocks(s.pendClock, s.machine.InitialClock())
}

// startClassic issues one history request per followed feed; used when the
// peer never opens an EBT stream.
func (s *Session) startClassic(ctx context.Context) {
	s.metrics.IncClassicFallbacks()
	followed, _ := s.snapshot()
	debuglog.Debugf("session: classic fallback peer=%s feeds=%d", s.peer, len(followed))
	for _, id := range followed {
		st := s.mux.Open()
		args, _ := json.Marshal(history.Request{Feed: id, Seq: s.log.HighestSequence(id) + 1})
		payload, _ := json.Marshal(request{Name: methodHistory, Args: args})
		if err := st.Send(ctx, payload); err != nil {
			debuglog.Logf("session: history request failed peer=%s feed=%s err=%v", s.peer, id, err)
			return
		}
		s.histReqs[st.ID()] = &histReq{feed: id, out: st}
	}
}

// openBlobWants opens the want announcement stream. Both sides open one; a
// peer reads our wants and haves from it, maps of ref to a
// negative hop distance (want) or a positive size (have).
func (s *Session) openBlobWants(ctx context.Context) {
	req, _ := json.Marshal(request{Name: methodBlobWants})
	st := s.mux.Open()
	if err := st.Send(ctx, req); err != nil {
		debuglog.Logf("session: blob wants open failed peer=%s err=%v", s.peer, err)
		return
	}
	s.blobOut = st
	s.queueBlobWants()
}

// queueBlobWants stages local wants not yet announced on this session.
func (s *Session) queueBlobWants() {
	if s.blobOut == nil {
		return
	}
	for ref, dist := range s.blobs.Wants() {
		if _, ok := s.wantsSent[ref]; ok {
			continue
		}
		s.wantsSent[ref] = struct{}{}
		s.blobNotes[ref.String()] = dist
	}
}

func (s *Session) remoteInitiated(id uint32) bool {
	if s.initiator {
		return id%2 == 0
	}
	return id%2 == 1
}

func (s *Session) handleFrame(ctx context.Context, ev muxrpc.Frame) {
	if _, ok := s.ebtIn[ev.Stream]; ok {
		s.handleEBTFrame(ctx, ev)
		return
	}
	if req, ok := s.histReqs[ev.Stream]; ok {
		s.handleHistoryResponse(ctx, ev, req)
		return
	}
	if f, ok := s.blobGets[ev.Stream]; ok {
		s.handleBlobGetResponse(ctx, ev, f)
		return
	}
	if _, ok := s.blobIn[ev.Stream]; ok {
		s.handleBlobNotes(ctx, ev)
		return
	}
	if _, ok := s.histServes[ev.Stream]; ok {
		if ev.Kind != muxrpc.KindData {
			// Peer cancelled the stream it requested.
			delete(s.histServes, ev.Stream)
		}
		return
	}
	if _, ok := s.blobServes[ev.Stream]; ok {
		if ev.Kind != muxrpc.KindData {
			delete(s.blobServes, ev.Stream)
		}
		return
	}
	if s.remoteInitiated(ev.Stream) && ev.Kind == muxrpc.KindData {
		s.handleRequest(ctx, ev)
		return
	}
	if ev.Kind == muxrpc.KindData {
		// Continuation for a stream we never heard of: kill that stream
		// only.
		s.metrics.IncSubStreamErrors()
		s.mux.Reject(ev.Stream, "unknown stream")
	}
}

func (s *Session) handleRequest(ctx context.Context, ev muxrpc.Frame) {
	var req request
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		s.metrics.IncSubStreamErrors()
		s.mux.Reject(ev.Stream, "bad request")
		return
	}
	switch req.Name {
	case methodEBT:
		var args ebtArgs
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &args); err != nil {
				s.mux.Reject(ev.Stream, "bad ebt args")
				return
			}
		}
		if args.Version != ebtVersion {
			s.mux.Reject(ev.Stream, "ebt version != 3")
			return
		}
		if args.Format != ebtFormat {
			s.mux.Reject(ev.Stream, "ebt format != classic")
			return
		}
		s.ebtIn[ev.Stream] = struct{}{}
		if s.ebtOut == nil {
			s.ebtOut = s.mux.Attach(ev.Stream)
		}
		if !s.ebtStarted {
			s.ebtStarted = true
			s.pendClock = mergeClocks(s.pendClock, s.machine.InitialClock())
		}
		debuglog.Debugf("session: ebt stream accepted peer=%s stream=%d", s.peer, ev.Stream)
	case methodHistory:
		hreq, err := history.ParseRequest(req.Args)
		if err != nil {
			s.metrics.IncSubStreamErrors()
			s.mux.Reject(ev.Stream, err.Error())
			return
		}
		s.metrics.IncHistoryRequests()
		s.histServes[ev.Stream] = &histServe{
			cursor: s.history.Open(hreq),
			out:    s.mux.Attach(ev.Stream),
		}
		s.signalWake()
	case methodBlobWants:
		s.blobIn[ev.Stream] = struct{}{}
		debuglog.Debugf("session: blob wants stream accepted peer=%s stream=%d", s.peer, ev.Stream)
	case methodBlobGet:
		var args blobGetArgs
		if err := json.Unmarshal(req.Args, &args); err != nil || args.Ref.IsZero() {
			s.metrics.IncSubStreamErrors()
			s.mux.Reject(ev.Stream, "bad blob ref")
			return
		}
		data, err := s.blobs.Get(args.Ref)
		if err != nil {
			s.mux.Reject(ev.Stream, "unknown blob")
			return
		}
		s.blobServes[ev.Stream] = &blobServe{out: s.mux.Attach(ev.Stream), data: data}
		s.signalWake()
	default:
		s.metrics.IncSubStreamErrors()
		s.mux.Reject(ev.Stream, "unknown method")
	}
}

func (s *Session) handleEBTFrame(ctx context.Context, ev muxrpc.Frame) {
	if ev.Kind != muxrpc.KindData {
		debuglog.Debugf("session: ebt stream ended peer=%s kind=%s", s.peer, ev.Kind)
		delete(s.ebtIn, ev.Stream)
		return
	}
	// A frame on the EBT stream is either a clock or a message; the payload
	// shape discriminates, so try the clock first.
	var clock ebt.Clock
	if err := json.Unmarshal(ev.Payload, &clock); err == nil && len(clock) > 0 {
		s.metrics.IncNotesReceived()
		s.applyActions(s.machine.ApplyRemoteClock(clock))
		return
	}
	var m feed.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil || m.Sequence == 0 {
		s.metrics.IncSubStreamErrors()
		debuglog.Debugf("session: undecodable ebt payload peer=%s", s.peer)
		s.invalid++
		return
	}
	s.applyMessage(&m)
}

// applyMessage admits one replicated message. Duplicates are dropped
// quietly (notes are batched, so overlap is routine); gaps and validation
// failures retract the peer's note for the feed until renegotiated, reported
// as true so stream-scoped callers can terminate their sub-stream.
func (s *Session) applyMessage(m *feed.Message) bool {
	s.metrics.IncMessagesReceived()
	err := s.log.Append(m)
	if err == nil {
		s.metrics.IncMessagesAppended()
		s.machine.OnAppended(m.Feed, m.Sequence)
		return false
	}
	switch {
	case errors.Is(err, store.ErrSequenceMismatch):
		if m.Sequence <= s.log.HighestSequence(m.Feed) {
			debuglog.RateLimitedf("dup:"+m.Feed.String(), time.Second, "session: duplicate message peer=%s feed=%s seq=%d", s.peer, m.Feed, m.Sequence)
			return false
		}
		s.metrics.IncDropSequence()
	case errors.Is(err, store.ErrInvalidSignature), errors.Is(err, store.ErrBadPrevious):
		s.metrics.IncDropSignature()
		s.invalid++
	default:
		debuglog.Logf("session: append failed peer=%s feed=%s seq=%d err=%v", s.peer, m.Feed, m.Sequence, err)
		return false
	}
	s.metrics.IncNoteRetractions()
	debuglog.Logf("session: retracting note peer=%s feed=%s err=%v", s.peer, m.Feed, err)
	s.applyActions(s.machine.RetractRemote(m.Feed))
	return true
}

func (s *Session) handleHistoryResponse(ctx context.Context, ev muxrpc.Frame, req *histReq) {
	switch ev.Kind {
	case muxrpc.KindData:
		var m feed.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil || m.Feed != req.feed {
			s.metrics.IncSubStreamErrors()
			_ = req.out.Error(ctx, "bad history message")
			delete(s.histReqs, ev.Stream)
			return
		}
		if s.applyMessage(&m) {
			// The failure terminates this sub-stream only; anything further
			// the peer sends on it is rejected as unknown.
			_ = req.out.Error(ctx, "sequence mismatch")
			delete(s.histReqs, ev.Stream)
		}
	case muxrpc.KindEOF:
		_ = req.out.End(ctx)
		delete(s.histReqs, ev.Stream)
	case muxrpc.KindErr:
		s.metrics.IncSubStreamErrors()
		debuglog.Debugf("session: history stream error peer=%s feed=%s msg=%s", s.peer, req.feed, ev.Payload)
		_ = req.out.End(ctx)
		delete(s.histReqs, ev.Stream)
	}
}

// handleBlobNotes processes one wants/haves map from the peer. A want for a
// blob we hold is answered with a have; a want we cannot satisfy is parked
// until the blob lands locally. A have for a blob we want triggers a fetch.
func (s *Session) handleBlobNotes(ctx context.Context, ev muxrpc.Frame) {
	if ev.Kind != muxrpc.KindData {
		delete(s.blobIn, ev.Stream)
		return
	}
	var notes map[string]int64
	if err := json.Unmarshal(ev.Payload, &notes); err != nil {
		s.metrics.IncSubStreamErrors()
		s.invalid++
		return
	}
	for raw, v := range notes {
		ref, err := blob.ParseRef(raw)
		if err != nil {
			continue
		}
		switch {
		case v < 0:
			if size, ok := s.blobs.Size(ref); ok {
				s.blobNotes[raw] = size
			} else {
				s.peerWants[ref] = v
			}
		case v > 0:
			if v <= blob.MaxSize && s.blobs.Wanted(ref) {
				s.openBlobGet(ctx, ref)
			}
		}
	}
}

func (s *Session) openBlobGet(ctx context.Context, ref blob.Ref) {
	if _, ok := s.blobGetByRef[ref]; ok {
		return
	}
	args, _ := json.Marshal(blobGetArgs{Ref: ref})
	payload, _ := json.Marshal(request{Name: methodBlobGet, Args: args})
	st := s.mux.Open()
	if err := st.Send(ctx, payload); err != nil {
		debuglog.Logf("session: blob get failed peer=%s ref=%s err=%v", s.peer, ref, err)
		return
	}
	s.blobGets[st.ID()] = &blobFetch{ref: ref, out: st}
	s.blobGetByRef[ref] = st.ID()
}

func (s *Session) handleBlobGetResponse(ctx context.Context, ev muxrpc.Frame, f *blobFetch) {
	drop := func() {
		delete(s.blobGets, ev.Stream)
		delete(s.blobGetByRef, f.ref)
	}
	switch ev.Kind {
	case muxrpc.KindData:
		if len(f.buf)+len(ev.Payload) > blob.MaxSize {
			s.metrics.IncSubStreamErrors()
			_ = f.out.Error(ctx, "blob too large")
			drop()
			return
		}
		f.buf = append(f.buf, ev.Payload...)
	case muxrpc.KindEOF:
		// Put verifies the hash, so a tampered transfer never lands.
		if err := s.blobs.Put(f.ref, f.buf); err != nil {
			s.metrics.IncSubStreamErrors()
			debuglog.Logf("session: blob fetch rejected peer=%s ref=%s err=%v", s.peer, f.ref, err)
		} else {
			s.metrics.IncBlobsStored()
			debuglog.Debugf("session: blob stored peer=%s ref=%s size=%d", s.peer, f.ref, len(f.buf))
		}
		_ = f.out.End(ctx)
		drop()
	case muxrpc.KindErr:
		s.metrics.IncSubStreamErrors()
		debuglog.Debugf("session: blob get error peer=%s ref=%s msg=%s", s.peer, f.ref, ev.Payload)
		_ = f.out.End(ctx)
		drop()
	}
}

func (s *Session) applyActions(actions []ebt.Action) {
	for _, a := range actions {
		switch a.Kind {
		case ebt.ActionSend:
			if _, ok := s.senders[a.Feed]; !ok {
				s.senders[a.Feed] = &sender{next: a.From}
			}
			s.signalWake()
		case ebt.ActionStopSend:
			delete(s.senders, a.Feed)
		}
	}
}

func (s *Session) drainPending() {
	s.pendMu.Lock()
	appends := s.pendAppends
	dir := s.pendDir
	blobs := s.pendBlob
	if len(appends) > 0 {
		s.pendAppends = make(map[feed.ID]uint64)
	}
	s.pendDir = false
	s.pendBlob = false
	s.pendMu.Unlock()

	if blobs {
		s.queueBlobWants()
		for ref := range s.peerWants {
			if size, ok := s.blobs.Size(ref); ok {
				s.blobNotes[ref.String()] = size
				delete(s.peerWants, ref)
			}
		}
	}
	if dir {
		followed, ver := s.snapshot()
		if ver != s.dirVer {
			s.dirVer = ver
			s.machine.UpdateDirectory(followed)
		}
	}
	for id, seq := range appends {
		s.applyActions(s.machine.OnLocalAppend(id, seq))
	}
}

func (s *Session) flushNotes(ctx context.Context) {
	s.pendClock = mergeClocks(s.pendClock, s.machine.FlushDirty())
	if len(s.pendClock) == 0 || s.ebtOut == nil {
		return
	}
	payload, err := json.Marshal(s.pendClock)
	if err != nil {
		debuglog.Logf("session: clock marshal failed peer=%s err=%v", s.peer, err)
		s.pendClock = nil
		return
	}
	ok, err := s.ebtOut.TrySend(payload)
	if err != nil || !ok {
		// Retried on the next wake or space signal; pendClock keeps merging.
		return
	}
	s.metrics.IncNotesSent()
	s.pendClock = nil
}

func (s *Session) flushBlobNotes(ctx context.Context) {
	if len(s.blobNotes) == 0 || s.blobOut == nil {
		return
	}
	payload, err := json.Marshal(s.blobNotes)
	if err != nil {
		s.blobNotes = make(map[string]int64)
		return
	}
	ok, err := s.blobOut.TrySend(payload)
	if err != nil || !ok {
		// Retried on the next wake or space signal; notes keep merging.
		return
	}
	s.blobNotes = make(map[string]int64)
}

// pumpWork advances outbound EBT senders and history serves by a bounded
// batch, so one busy feed cannot monopolize the loop.
func (s *Session) pumpWork(ctx context.Context) {
	if s.ebtOut == nil && len(s.histServes) == 0 && len(s.blobServes) == 0 {
		return
	}
	budget := s.cfg.SendBatchSize
	more := false

	for id, snd := range s.senders {
		if s.ebtOut == nil {
			break
		}
		high := s.log.HighestSequence(id)
		for snd.next <= high && budget > 0 {
			m, err := s.log.Get(id, snd.next)
			if err != nil {
				debuglog.Logf("session: send read failed feed=%s seq=%d err=%v", id, snd.next, err)
				delete(s.senders, id)
				break
			}
			payload, err := json.Marshal(m)
			if err != nil {
				delete(s.senders, id)
				break
			}
			ok, serr := s.ebtOut.TrySend(payload)
			if serr != nil {
				return
			}
			if !ok {
				// Queue full; the space signal resumes from snd.next.
				return
			}
			s.metrics.IncMessagesSent()
			snd.next++
			budget--
		}
		if snd.next <= high {
			more = true
		}
		// Caught-up senders stay registered: the stream is tailing and
		// extends on future appends.
	}

	for streamID, serve := range s.histServes {
		for budget > 0 {
			m, err := serve.cursor.Next()
			if err != nil {
				_ = serve.out.Error(ctx, "read failed")
				s.metrics.IncSubStreamErrors()
				delete(s.histServes, streamID)
				break
			}
			if m == nil {
				_ = serve.out.End(ctx)
				delete(s.histServes, streamID)
				break
			}
			payload, merr := json.Marshal(m)
			if merr != nil {
				_ = serve.out.Error(ctx, "encode failed")
				delete(s.histServes, streamID)
				break
			}
			ok, serr := serve.out.TrySend(payload)
			if serr != nil {
				delete(s.histServes, streamID)
				break
			}
			if !ok {
				serve.cursor.Unread(m)
				return
			}
			s.metrics.IncMessagesSent()
			budget--
		}
		if budget == 0 {
			more = true
			break
		}
	}

	for streamID, serve := range s.blobServes {
		for budget > 0 {
			if serve.off >= len(serve.data) {
				_ = serve.out.End(ctx)
				s.metrics.IncBlobsSent()
				delete(s.blobServes, streamID)
				break
			}
			end := serve.off + blobChunkSize
			if end > len(serve.data) {
				end = len(serve.data)
			}
			ok, serr := serve.out.TrySend(serve.data[serve.off:end])
			if serr != nil {
				delete(s.blobServes, streamID)
				break
			}
			if !ok {
				return
			}
			serve.off = end
			budget--
		}
		if budget == 0 {
			more = true
			break
		}
	}

	if more {
		s.signalWake()
	}
}

func mergeClocks(dst, src ebt.Clock) ebt.Clock {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(ebt.Clock, len(src))
	}
	for id, note := range src {
		dst[id] = note
	}
	return dst
}
