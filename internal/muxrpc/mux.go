// Package muxrpc multiplexes logical streams over one duplex byte
// connection. Each stream carries data frames followed by exactly one err or
// eof frame. Outbound frames queue per stream, so a slow peer throttles only
// the streams it is slow on.
package muxrpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"feedsync/internal/debuglog"
)

var (
	ErrProtocol     = errors.New("protocol error")
	ErrMuxClosed    = errors.New("mux closed")
	ErrStreamClosed = errors.New("stream closed")
)

const (
	DefaultQueueSize = 32
	eventBuffer      = 64
	rejectBuffer     = 16
)

type Mux struct {
	conn      io.ReadWriteCloser
	queueSize int
	events    chan Frame
	out       chan Frame
	rejects   chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	space chan struct{}

	errMu sync.Mutex
	err   error
}

// New wraps a duplex connection. The initiator allocates odd stream ids, the
// accepting side even ones, so both ends open streams without coordination.
func New(conn io.ReadWriteCloser, initiator bool, queueSize int) *Mux {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	m := &Mux{
		conn:      conn,
		queueSize: queueSize,
		events:    make(chan Frame, eventBuffer),
		out:       make(chan Frame),
		rejects:   make(chan Frame, rejectBuffer),
		closed:    make(chan struct{}),
		streams:   make(map[uint32]*Stream),
		nextID:    1,
		space:     make(chan struct{}, 1),
	}
	if !initiator {
		m.nextID = 2
	}
	go m.readLoop()
	go m.writeLoop()
	return m
}

// Events delivers inbound frames in wire order. The channel closes when the
// connection fails or the mux is closed; Err reports the cause.
func (m *Mux) Events() <-chan Frame {
	return m.events
}

// Space pulses after outbound queue capacity frees anywhere on the mux.
// Producers that saw a full queue from TrySend retry on it. Signals
// coalesce and may fire spuriously.
func (m *Mux) Space() <-chan struct{} {
	return m.space
}

func (m *Mux) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Mux) Close() error {
	m.fail(ErrMuxClosed)
	return nil
}

func (m *Mux) fail(err error) {
	m.closeOnce.Do(func() {
		m.errMu.Lock()
		if m.err == nil {
			m.err = err
		}
		m.errMu.Unlock()
		close(m.closed)
		_ = m.conn.Close()
	})
}

func (m *Mux) readLoop() {
	defer close(m.events)
	for {
		f, err := ReadFrame(m.conn)
		if err != nil {
			// A framing error on the byte stream cannot be recovered from:
			// there is no way to resynchronize, so it is fatal to the
			// connection rather than any one stream.
			m.fail(err)
			return
		}
		select {
		case m.events <- f:
		case <-m.closed:
			return
		}
	}
}

func (m *Mux) writeLoop() {
	for {
		select {
		case f := <-m.out:
			if err := WriteFrame(m.conn, f); err != nil {
				m.fail(err)
				return
			}
		case f := <-m.rejects:
			if err := WriteFrame(m.conn, f); err != nil {
				m.fail(err)
				return
			}
		case <-m.closed:
			return
		}
	}
}

// Stream is the outbound half of one logical stream. Send blocks when the
// bounded queue is full; End and Error enqueue the terminal frame and refuse
// further sends.
type Stream struct {
	mux  *Mux
	id   uint32
	out  chan Frame
	done chan struct{}
	once sync.Once
}

func (st *Stream) ID() uint32 {
	return st.id
}

// Open allocates a locally initiated stream.
func (m *Mux) Open() *Stream {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	st := m.newStreamLocked(id)
	m.mu.Unlock()
	return st
}

// Attach registers the outbound half for a stream the peer initiated, so
// responses flow back on the peer's id.
func (m *Mux) Attach(id uint32) *Stream {
	m.mu.Lock()
	if st, ok := m.streams[id]; ok {
		m.mu.Unlock()
		return st
	}
	st := m.newStreamLocked(id)
	m.mu.Unlock()
	return st
}

func (m *Mux) newStreamLocked(id uint32) *Stream {
	st := &Stream{
		mux:  m,
		id:   id,
		out:  make(chan Frame, m.queueSize),
		done: make(chan struct{}),
	}
	m.streams[id] = st
	go st.pump()
	return st
}

func (m *Mux) remove(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Reject answers a frame for an unknown stream id with a one-off error frame
// on that id. Only the offending stream is affected. Reject never blocks the
// caller: when the reject buffer is full (a peer spamming unknown streams
// faster than the writer drains) the frame is dropped, which costs that peer
// nothing but its own error report.
func (m *Mux) Reject(id uint32, msg string) {
	debuglog.Debugf("muxrpc: reject stream=%d msg=%s", id, msg)
	select {
	case m.rejects <- Frame{Stream: id, Kind: KindErr, Payload: []byte(msg)}:
	case <-m.closed:
	default:
	}
}

func (st *Stream) pump() {
	for {
		select {
		case f := <-st.out:
			select {
			case st.mux.out <- f:
			case <-st.mux.closed:
				return
			}
			select {
			case st.mux.space <- struct{}{}:
			default:
			}
			if f.Kind != KindData {
				st.mux.remove(st.id)
				return
			}
		case <-st.mux.closed:
			return
		}
	}
}

func (st *Stream) enqueue(ctx context.Context, f Frame) error {
	select {
	case <-st.done:
		return ErrStreamClosed
	default:
	}
	select {
	case st.out <- f:
		return nil
	case <-st.done:
		return ErrStreamClosed
	case <-st.mux.closed:
		return ErrMuxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *Stream) Send(ctx context.Context, payload []byte) error {
	return st.enqueue(ctx, Frame{Stream: st.id, Kind: KindData, Payload: payload})
}

// TrySend enqueues without blocking. It reports false with a nil error when
// the queue is full.
func (st *Stream) TrySend(payload []byte) (bool, error) {
	select {
	case <-st.done:
		return false, ErrStreamClosed
	default:
	}
	select {
	case st.out <- Frame{Stream: st.id, Kind: KindData, Payload: payload}:
		return true, nil
	case <-st.mux.closed:
		return false, ErrMuxClosed
	default:
		return false, nil
	}
}

// End terminates the stream with an eof frame. Queued data frames drain
// first.
func (st *Stream) End(ctx context.Context) error {
	return st.terminate(ctx, Frame{Stream: st.id, Kind: KindEOF})
}

// Error terminates the stream with an error frame carrying msg.
func (st *Stream) Error(ctx context.Context, msg string) error {
	return st.terminate(ctx, Frame{Stream: st.id, Kind: KindErr, Payload: []byte(msg)})
}

func (st *Stream) terminate(ctx context.Context, f Frame) error {
	var err error = ErrStreamClosed
	st.once.Do(func() {
		err = st.enqueue(ctx, f)
		close(st.done)
	})
	return err
}
