// Package directory tracks which feeds the local node replicates. Sessions
// read versioned snapshots and watch for changes; only the control plane
// mutates the set.
package directory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"feedsync/internal/feed"
)

type record struct {
	Feed feed.ID `json:"feed"`
}

// Snapshot is an immutable view of the replicate set. Version increases on
// every change so sessions can detect staleness deterministically.
type Snapshot struct {
	Version uint64
	Feeds   []feed.ID
}

func (s Snapshot) Contains(id feed.ID) bool {
	for _, f := range s.Feeds {
		if f == id {
			return true
		}
	}
	return false
}

type Directory struct {
	mu       sync.Mutex
	path     string
	version  uint64
	feeds    map[feed.ID]struct{}
	watchers []chan struct{}
}

func Open(path string) (*Directory, error) {
	d := &Directory{path: path, feeds: make(map[feed.ID]struct{})}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && !rec.Feed.IsZero() {
			d.feeds[rec.Feed] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Directory) snapshotLocked() Snapshot {
	feeds := make([]feed.ID, 0, len(d.feeds))
	for id := range d.feeds {
		feeds = append(feeds, id)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Compare(feeds[j]) < 0 })
	return Snapshot{Version: d.version, Feeds: feeds}
}

func (d *Directory) Follow(id feed.ID) error {
	d.mu.Lock()
	if _, ok := d.feeds[id]; ok {
		d.mu.Unlock()
		return nil
	}
	d.feeds[id] = struct{}{}
	err := d.persistLocked()
	if err != nil {
		delete(d.feeds, id)
		d.mu.Unlock()
		return err
	}
	d.version++
	d.mu.Unlock()
	d.notify()
	return nil
}

func (d *Directory) Unfollow(id feed.ID) error {
	d.mu.Lock()
	if _, ok := d.feeds[id]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.feeds, id)
	err := d.persistLocked()
	if err != nil {
		d.feeds[id] = struct{}{}
		d.mu.Unlock()
		return err
	}
	d.version++
	d.mu.Unlock()
	d.notify()
	return nil
}

// Replace swaps the whole replicate set in one update.
func (d *Directory) Replace(feeds []feed.ID) error {
	d.mu.Lock()
	old := d.feeds
	next := make(map[feed.ID]struct{}, len(feeds))
	for _, id := range feeds {
		if !id.IsZero() {
			next[id] = struct{}{}
		}
	}
	d.feeds = next
	if err := d.persistLocked(); err != nil {
		d.feeds = old
		d.mu.Unlock()
		return err
	}
	d.version++
	d.mu.Unlock()
	d.notify()
	return nil
}

func (d *Directory) persistLocked() error {
	snap := d.snapshotLocked()
	tmp := d.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, id := range snap.Feeds {
		if err := enc.Encode(record{Feed: id}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return err
	}
	if dir, err := os.Open(filepath.Dir(d.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// Watch returns a channel that receives a signal after every directory
// change. Signals coalesce; receivers re-read the snapshot.
func (d *Directory) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.watchers = append(d.watchers, ch)
	d.mu.Unlock()
	return ch
}

func (d *Directory) notify() {
	d.mu.Lock()
	watchers := d.watchers
	d.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
