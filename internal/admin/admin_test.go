package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"feedsync/internal/blob"
	"feedsync/internal/directory"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/session"
	"feedsync/internal/store"
	"feedsync/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *directory.Directory, *transport.Identity) {
	t.Helper()
	home := t.TempDir()
	id, err := transport.LoadOrCreateIdentity(home)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	st, err := store.Open(filepath.Join(home, "feeds.db"), feed.Ed25519Verifier{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	dir, err := directory.Open(filepath.Join(home, "replicate.jsonl"))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	blobs, err := blob.Open(filepath.Join(home, "blobs"))
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	m := metrics.New()
	mgr := session.NewManager(st, dir, blobs, m, session.Config{})
	return NewServer(id, st, dir, blobs, mgr, m), st, dir, id
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, dir, id := newTestServer(t)
	var f feed.ID
	f[0] = 1
	if err := dir.Follow(f); err != nil {
		t.Fatalf("follow: %v", err)
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d body=%s", rec.Code, rec.Body)
	}
	var reply struct {
		Self  string `json:"self"`
		Feeds []struct {
			Feed string `json:"feed"`
			Seq  uint64 `json:"seq"`
		} `json:"feeds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Self != id.FeedID().String() {
		t.Fatalf("self = %s", reply.Self)
	}
	if len(reply.Feeds) != 1 || reply.Feeds[0].Feed != f.String() || reply.Feeds[0].Seq != 0 {
		t.Fatalf("feeds = %+v", reply.Feeds)
	}
}

func TestFollowUnfollowEndpoints(t *testing.T) {
	srv, _, dir, _ := newTestServer(t)
	h := srv.Handler()
	var f feed.ID
	f[0] = 7

	rec := doJSON(t, h, http.MethodPost, "/v1/feeds/"+f.String()+"/follow", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("follow code = %d body=%s", rec.Code, rec.Body)
	}
	if !dir.Snapshot().Contains(f) {
		t.Fatal("feed not in directory after follow")
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/feeds/"+f.String()+"/unfollow", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unfollow code = %d", rec.Code)
	}
	if dir.Snapshot().Contains(f) {
		t.Fatal("feed still in directory after unfollow")
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/feeds/nothex/follow", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id code = %d", rec.Code)
	}
}

func TestFeedsReplaceEndpoint(t *testing.T) {
	srv, _, dir, _ := newTestServer(t)
	h := srv.Handler()
	var f1, f2 feed.ID
	f1[0], f2[0] = 1, 2
	if err := dir.Follow(f1); err != nil {
		t.Fatalf("follow: %v", err)
	}

	body := map[string][]string{"feeds": {f2.String()}}
	rec := doJSON(t, h, http.MethodPut, "/v1/feeds", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace code = %d body=%s", rec.Code, rec.Body)
	}
	snap := dir.Snapshot()
	if snap.Contains(f1) || !snap.Contains(f2) {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/feeds", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), f2.String()) {
		t.Fatalf("feeds body = %s", rec.Body)
	}
}

func TestPublishEndpoint(t *testing.T) {
	srv, st, _, id := newTestServer(t)
	h := srv.Handler()
	self := id.FeedID()

	for i := 1; i <= 2; i++ {
		body := map[string]any{"content": map[string]string{"n": "x"}}
		rec := doJSON(t, h, http.MethodPost, "/v1/publish", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("publish %d code = %d body=%s", i, rec.Code, rec.Body)
		}
		var reply struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if reply.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", reply.Seq, i)
		}
	}
	if got := st.HighestSequence(self); got != 2 {
		t.Fatalf("highest = %d", got)
	}
	// Published messages verify against the node key like any other.
	m, err := st.Get(self, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := (feed.Ed25519Verifier{}).Verify(m); err != nil {
		t.Fatalf("verify: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/publish", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty publish code = %d", rec.Code)
	}
}

func TestBlobEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()
	content := []byte("blob payload")

	req := httptest.NewRequest(http.MethodPost, "/v1/blobs", bytes.NewReader(content))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add code = %d body=%s", rec.Code, rec.Body)
	}
	var added struct {
		Ref  string `json:"ref"`
		Size int    `json:"size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if added.Ref != blob.FromContent(content).String() || added.Size != len(content) {
		t.Fatalf("added = %+v", added)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/blobs/"+added.Ref, nil)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("get code=%d body=%q", rec.Code, rec.Body)
	}

	missing := blob.FromContent([]byte("elsewhere")).String()
	rec = doJSON(t, h, http.MethodGet, "/v1/blobs/"+missing, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing blob code = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/blobs/"+missing+"/want", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want code = %d body=%s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/blobs", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), missing) {
		t.Fatalf("wants code=%d body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/blobs/nothex", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ref code = %d", rec.Code)
	}
}

func TestPauseUnknownPeer(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var peer feed.ID
	peer[0] = 9
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/peers/"+peer.String()+"/pause", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "messages_appended") {
		t.Fatalf("metrics body = %s", rec.Body)
	}
}
