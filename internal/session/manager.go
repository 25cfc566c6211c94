package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"feedsync/internal/blob"
	"feedsync/internal/debuglog"
	"feedsync/internal/directory"
	"feedsync/internal/ebt"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/store"
)

var ErrUnknownPeer = errors.New("no session for peer")

// Manager owns the live sessions, one per peer, and fans local events out to
// them: store appends reach every session so tailing streams extend, and
// directory changes trigger renegotiation everywhere.
type Manager struct {
	log     Log
	dir     *directory.Directory
	blobs   *blob.Store
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	sessions map[feed.ID]*Session
}

func NewManager(log Log, dir *directory.Directory, blobs *blob.Store, m *metrics.Metrics, cfg Config) *Manager {
	return &Manager{
		log:      log,
		dir:      dir,
		blobs:    blobs,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		sessions: make(map[feed.ID]*Session),
	}
}

// NotifyAppend is installed as the store's append hook. It runs outside the
// store's locks; sessions coalesce the signal, so fanout stays cheap.
func (mgr *Manager) NotifyAppend(id feed.ID, seq uint64) {
	mgr.mu.Lock()
	for _, s := range mgr.sessions {
		s.NoteLocalAppend(id, seq)
	}
	mgr.mu.Unlock()
}

// WatchDirectory forwards directory changes to every session until ctx ends.
func (mgr *Manager) WatchDirectory(ctx context.Context) {
	ch := mgr.dir.Watch()
	for {
		select {
		case <-ch:
			mgr.mu.Lock()
			for _, s := range mgr.sessions {
				s.NoteDirectoryChange()
			}
			mgr.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// WatchBlobs forwards blob store changes to every session until ctx ends, so
// new wants get announced and landed blobs answer waiting peers.
func (mgr *Manager) WatchBlobs(ctx context.Context) {
	ch := mgr.blobs.Watch()
	for {
		select {
		case <-ch:
			mgr.mu.Lock()
			for _, s := range mgr.sessions {
				s.NoteBlobChange()
			}
			mgr.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// HandleConn runs a replication session over an established, authenticated
// connection. It blocks until the session ends and closes rwc on return. A
// second connection from a peer with a live session is refused.
func (mgr *Manager) HandleConn(ctx context.Context, peer feed.ID, rwc io.ReadWriteCloser, initiator bool) error {
	snap := mgr.dir.Snapshot()
	snapshot := func() ([]feed.ID, uint64) {
		sn := mgr.dir.Snapshot()
		return sn.Feeds, sn.Version
	}
	s := newSession(peer, rwc, initiator, mgr.log, mgr.blobs, snap.Feeds, snap.Version, snapshot, mgr.metrics, mgr.cfg)

	mgr.mu.Lock()
	if _, ok := mgr.sessions[peer]; ok {
		mgr.mu.Unlock()
		_ = rwc.Close()
		return fmt.Errorf("session already active for peer %s", peer)
	}
	mgr.sessions[peer] = s
	mgr.mu.Unlock()

	mgr.metrics.IncSessionsOpened()
	debuglog.Logf("session: open peer=%s initiator=%v", peer, initiator)

	err := s.run(ctx)

	mgr.mu.Lock()
	delete(mgr.sessions, peer)
	mgr.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		mgr.metrics.IncSessionsFailed()
		debuglog.Logf("session: failed peer=%s err=%v", peer, err)
		return err
	}
	mgr.metrics.IncSessionsClosed()
	debuglog.Logf("session: closed peer=%s", peer)
	return nil
}

func (mgr *Manager) lookup(peer feed.ID) *Session {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.sessions[peer]
}

// asUnknown folds a race where the session's loop returned between lookup
// and the control send into the same answer as no session at all.
func asUnknown(err error) error {
	if errors.Is(err, ErrSessionClosed) {
		return ErrUnknownPeer
	}
	return err
}

func (mgr *Manager) Pause(ctx context.Context, peer feed.ID) error {
	s := mgr.lookup(peer)
	if s == nil {
		return ErrUnknownPeer
	}
	_, err := s.control(ctx, ctrlPause)
	return asUnknown(err)
}

func (mgr *Manager) Resume(ctx context.Context, peer feed.ID) error {
	s := mgr.lookup(peer)
	if s == nil {
		return ErrUnknownPeer
	}
	_, err := s.control(ctx, ctrlResume)
	return asUnknown(err)
}

func (mgr *Manager) CloseSession(ctx context.Context, peer feed.ID) error {
	s := mgr.lookup(peer)
	if s == nil {
		return ErrUnknownPeer
	}
	_, err := s.control(ctx, ctrlClose)
	return asUnknown(err)
}

// PeerStatus reports the per-feed replication phase of one session.
func (mgr *Manager) PeerStatus(ctx context.Context, peer feed.ID) (map[feed.ID]ebt.Phase, error) {
	s := mgr.lookup(peer)
	if s == nil {
		return nil, ErrUnknownPeer
	}
	st, err := s.control(ctx, ctrlStatus)
	return st, asUnknown(err)
}

// Status reports every live session's per-feed phases, keyed by peer. It
// also refreshes the feeds-up-to-date gauge: a feed counts once when any
// session has it converged.
func (mgr *Manager) Status(ctx context.Context) map[feed.ID]map[feed.ID]ebt.Phase {
	mgr.mu.Lock()
	peers := make([]*Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		peers = append(peers, s)
	}
	mgr.mu.Unlock()

	out := make(map[feed.ID]map[feed.ID]ebt.Phase, len(peers))
	upToDate := make(map[feed.ID]struct{})
	for _, s := range peers {
		st, err := s.control(ctx, ctrlStatus)
		if err != nil {
			continue
		}
		out[s.Peer()] = st
		for id, phase := range st {
			if phase == ebt.PhaseUpToDate {
				upToDate[id] = struct{}{}
			}
		}
	}
	mgr.metrics.SetFeedsUpToDate(uint64(len(upToDate)))
	return out
}

func (mgr *Manager) Peers() []feed.ID {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	peers := make([]feed.ID, 0, len(mgr.sessions))
	for id := range mgr.sessions {
		peers = append(peers, id)
	}
	return peers
}

var _ Log = (*store.Store)(nil)
