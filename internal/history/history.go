// Package history implements the legacy pull protocol: a peer asks for one
// feed from a starting sequence and receives a finite stream of messages.
package history

import (
	"encoding/json"
	"fmt"

	"feedsync/internal/feed"
	"feedsync/internal/store"
)

// Request opens a history stream. Seq is the first sequence wanted; Limit
// optionally caps the number of messages (0 means no cap).
type Request struct {
	Feed  feed.ID `json:"feed"`
	Seq   uint64  `json:"seq"`
	Limit uint64  `json:"limit,omitempty"`
}

func ParseRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("bad history request: %w", err)
	}
	if req.Feed.IsZero() {
		return Request{}, fmt.Errorf("bad history request: missing feed")
	}
	if req.Seq == 0 {
		req.Seq = 1
	}
	return Request{Feed: req.Feed, Seq: req.Seq, Limit: req.Limit}, nil
}

// Log is the slice of the feed store the handler needs.
type Log interface {
	HighestSequence(id feed.ID) uint64
	ReadRange(id feed.ID, from uint64) *store.Range
	Append(m *feed.Message) error
}

type Handler struct {
	log Log
}

func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

// Cursor walks the response to one history request. The upper bound was
// fixed when the cursor was opened; a request past the feed's highest
// sequence yields an empty stream, not an error.
type Cursor struct {
	rng     *store.Range
	left    uint64
	caps    bool
	pending *feed.Message
}

func (h *Handler) Open(req Request) *Cursor {
	return &Cursor{
		rng:  h.log.ReadRange(req.Feed, req.Seq),
		left: req.Limit,
		caps: req.Limit > 0,
	}
}

// Next returns the next message to transmit, or (nil, nil) when the stream
// is exhausted.
func (c *Cursor) Next() (*feed.Message, error) {
	if c.pending != nil {
		m := c.pending
		c.pending = nil
		return m, nil
	}
	if c.caps && c.left == 0 {
		return nil, nil
	}
	m, err := c.rng.Next()
	if err != nil || m == nil {
		return m, err
	}
	if c.caps {
		c.left--
	}
	return m, nil
}

// Unread pushes a message back so the next Next returns it again; used when
// transmission had to back off after the read.
func (c *Cursor) Unread(m *feed.Message) {
	c.pending = m
}

// Apply admits one message received on a history stream. Store rejections
// pass through unchanged so the caller can map them to a sub-stream error.
func (h *Handler) Apply(m *feed.Message) error {
	return h.log.Append(m)
}
