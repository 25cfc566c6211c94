// Package transport establishes authenticated peer connections over QUIC.
// TLS secures the wire with a fixed development certificate; peer identity
// comes from a signed hello exchanged on the first stream, not from the TLS
// layer.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"feedsync/internal/debuglog"
	"feedsync/internal/feed"
)

const (
	alpnProto        = "feedsync-quic"
	handshakeTimeout = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("feedsync-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// Conn is one authenticated peer connection: a single bidirectional QUIC
// stream carrying the multiplexed session, plus the verified peer identity.
type Conn struct {
	Peer   feed.ID
	stream *quic.Stream
	qc     *quic.Conn
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *Conn) Close() error {
	_ = c.stream.Close()
	return c.qc.CloseWithError(0, "")
}

type Listener struct {
	id *Identity
	ql *quic.Listener
}

func Listen(addr string, id *Identity) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	debuglog.Logf("transport: listening on %s", ql.Addr())
	return &Listener{id: id, ql: ql}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

// Accept waits for a peer connection and completes the hello exchange. The
// initiator speaks first, so the stream is visible as soon as its hello
// arrives.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(hctx)
	if err != nil {
		_ = qc.CloseWithError(1, "no stream")
		return nil, err
	}
	peer, err := readHello(stream)
	if err != nil {
		debuglog.Debugf("transport: inbound hello rejected: %v", err)
		_ = qc.CloseWithError(1, "bad hello")
		return nil, err
	}
	if err := writeHello(stream, l.id); err != nil {
		_ = qc.CloseWithError(1, "hello write failed")
		return nil, err
	}
	debuglog.Logf("transport: accepted peer=%s from %s", peer, qc.RemoteAddr())
	return &Conn{Peer: peer, stream: stream, qc: qc}, nil
}

// Dial connects to addr and completes the hello exchange as initiator.
func Dial(ctx context.Context, addr string, id *Identity) (*Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "no stream")
		return nil, err
	}
	if err := writeHello(stream, id); err != nil {
		_ = qc.CloseWithError(1, "hello write failed")
		return nil, err
	}
	peer, err := readHello(stream)
	if err != nil {
		debuglog.Debugf("transport: outbound hello rejected: %v", err)
		_ = qc.CloseWithError(1, "bad hello")
		return nil, err
	}
	debuglog.Logf("transport: dialed peer=%s at %s", peer, addr)
	return &Conn{Peer: peer, stream: stream, qc: qc}, nil
}
