package muxrpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format: len(be32) | stream(be32) | kind(byte) | payload. The length
// covers stream+kind+payload.
const (
	MaxFrameSize = 1 << 20
	headerSize   = 5
)

type Kind byte

const (
	KindData Kind = iota
	KindErr
	KindEOF
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindErr:
		return "err"
	case KindEOF:
		return "eof"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Frame is one protocol envelope, inbound or outbound.
type Frame struct {
	Stream  uint32
	Kind    Kind
	Payload []byte
}

func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFrameSize-headerSize {
		return nil, fmt.Errorf("payload too large: %d", len(f.Payload))
	}
	if f.Kind > KindEOF {
		return nil, fmt.Errorf("bad frame kind: %d", f.Kind)
	}
	out := make([]byte, 4+headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(out[:4], uint32(headerSize+len(f.Payload)))
	binary.BigEndian.PutUint32(out[4:8], f.Stream)
	out[8] = byte(f.Kind)
	copy(out[9:], f.Payload)
	return out, nil
}

func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < headerSize || n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame size %d", ErrProtocol, n)
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	kind := Kind(body[4])
	if kind > KindEOF {
		return Frame{}, fmt.Errorf("%w: frame kind %d", ErrProtocol, body[4])
	}
	return Frame{
		Stream:  binary.BigEndian.Uint32(body[:4]),
		Kind:    kind,
		Payload: body[headerSize:],
	}, nil
}

func WriteFrame(w io.Writer, f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	total := 0
	for total < len(raw) {
		n, err := w.Write(raw[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
