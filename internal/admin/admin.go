// Package admin exposes the local control plane over HTTP. It binds to
// loopback by default and speaks plain JSON; there is no authentication, so
// the listen address is the security boundary.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"feedsync/internal/blob"
	"feedsync/internal/debuglog"
	"feedsync/internal/directory"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/session"
	"feedsync/internal/store"
	"feedsync/internal/transport"
)

const maxBodySize = 1 << 20

type Server struct {
	id      *transport.Identity
	store   *store.Store
	dir     *directory.Directory
	blobs   *blob.Store
	mgr     *session.Manager
	metrics *metrics.Metrics
}

func NewServer(id *transport.Identity, st *store.Store, dir *directory.Directory, blobs *blob.Store, mgr *session.Manager, m *metrics.Metrics) *Server {
	return &Server{id: id, store: st, dir: dir, blobs: blobs, mgr: mgr, metrics: m}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/feeds", s.handleFeedsGet)
	mux.HandleFunc("PUT /v1/feeds", s.handleFeedsPut)
	mux.HandleFunc("POST /v1/feeds/{id}/follow", s.handleFollow)
	mux.HandleFunc("POST /v1/feeds/{id}/unfollow", s.handleUnfollow)
	mux.HandleFunc("POST /v1/peers/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/peers/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/publish", s.handlePublish)
	mux.HandleFunc("POST /v1/blobs", s.handleBlobAdd)
	mux.HandleFunc("GET /v1/blobs", s.handleBlobWants)
	mux.HandleFunc("GET /v1/blobs/{ref}", s.handleBlobGet)
	mux.HandleFunc("POST /v1/blobs/{ref}/want", s.handleBlobWant)
	return mux
}

// ListenAndServe runs the admin server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debuglog.Logf("admin: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func pathFeedID(r *http.Request) (feed.ID, error) {
	return feed.ParseID(r.PathValue("id"))
}

type statusReply struct {
	Self  string                       `json:"self"`
	Peers map[string]map[string]string `json:"peers"`
	Feeds []feedStatus                 `json:"feeds"`
}

type feedStatus struct {
	Feed string `json:"feed"`
	Seq  uint64 `json:"seq"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.dir.Snapshot()
	reply := statusReply{
		Self:  s.id.FeedID().String(),
		Peers: make(map[string]map[string]string),
		Feeds: make([]feedStatus, 0, len(snap.Feeds)),
	}
	for _, id := range snap.Feeds {
		reply.Feeds = append(reply.Feeds, feedStatus{Feed: id.String(), Seq: s.store.HighestSequence(id)})
	}
	for peer, phases := range s.mgr.Status(r.Context()) {
		m := make(map[string]string, len(phases))
		for id, phase := range phases {
			m[id.String()] = phase.String()
		}
		reply.Peers[peer.String()] = m
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleFeedsGet(w http.ResponseWriter, r *http.Request) {
	snap := s.dir.Snapshot()
	feeds := make([]string, 0, len(snap.Feeds))
	for _, id := range snap.Feeds {
		feeds = append(feeds, id.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "feeds": feeds})
}

// handleFeedsPut replaces the replicate set wholesale.
func (s *Server) handleFeedsPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feeds []string `json:"feeds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	feeds := make([]feed.ID, 0, len(body.Feeds))
	for _, raw := range body.Feeds {
		id, err := feed.ParseID(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		feeds = append(feeds, id)
	}
	if err := s.dir.Replace(feeds); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"feeds": len(feeds)})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	id, err := pathFeedID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dir.Follow(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feed": id.String()})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	id, err := pathFeedID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dir.Unfollow(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feed": id.String()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handlePeerCtrl(w, r, s.mgr.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handlePeerCtrl(w, r, s.mgr.Resume)
}

func (s *Server) handlePeerCtrl(w http.ResponseWriter, r *http.Request, op func(context.Context, feed.ID) error) {
	peer, err := pathFeedID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := op(r.Context(), peer); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, session.ErrUnknownPeer) {
			code = http.StatusNotFound
		}
		writeErr(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer": peer.String()})
}

// handlePublish appends a signed message to the node's own feed. The store's
// append hook wakes live sessions, so connected peers pick it up through the
// normal tailing path.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Content) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("missing content"))
		return
	}
	self := s.id.FeedID()
	high := s.store.HighestSequence(self)
	m := &feed.Message{
		Feed:      self,
		Sequence:  high + 1,
		Timestamp: time.Now().UnixMilli(),
		Content:   body.Content,
	}
	if high > 0 {
		prev, err := s.store.Get(self, high)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		m.Previous = prev.Key()
	}
	feed.Sign(s.id.Priv, m)
	if err := s.store.Append(m); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": self.String(), "seq": m.Sequence, "key": m.Key()})
}

// handleBlobAdd stores the raw request body as a new blob.
func (s *Server) handleBlobAdd(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, blob.MaxSize+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > blob.MaxSize {
		writeErr(w, http.StatusRequestEntityTooLarge, blob.ErrTooLarge)
		return
	}
	ref, err := s.blobs.Add(data)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncBlobsStored()
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref.String(), "size": len(data)})
}

func (s *Server) handleBlobWants(w http.ResponseWriter, r *http.Request) {
	refs := s.blobs.WantList()
	wants := make([]string, 0, len(refs))
	for _, ref := range refs {
		wants = append(wants, ref.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"wants": wants})
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	ref, err := blob.ParseRef(r.PathValue("ref"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.blobs.Get(ref)
	if errors.Is(err, blob.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleBlobWant marks a blob as wanted; live sessions announce it to peers.
func (s *Server) handleBlobWant(w http.ResponseWriter, r *http.Request) {
	ref, err := blob.ParseRef(r.PathValue("ref"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	s.blobs.Want(ref)
	writeJSON(w, http.StatusOK, map[string]string{"ref": ref.String()})
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
