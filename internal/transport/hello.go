package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"feedsync/internal/feed"
)

const (
	msgTypeHello = "hello"
	maxHelloSize = 4 << 10
)

// helloMsg authenticates one side of a fresh connection. Sig covers the
// public key and nonce, so a hello cannot be replayed for a different key.
type helloMsg struct {
	Type   string `json:"type"`
	PubKey string `json:"pubkey"`
	Nonce  uint64 `json:"nonce"`
	Sig    string `json:"sig"`
}

func helloHash(pub []byte, nonce uint64) [32]byte {
	buf := make([]byte, 0, len("feedsync:hello:v1")+len(pub)+8)
	buf = append(buf, "feedsync:hello:v1"...)
	buf = append(buf, pub...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], nonce)
	buf = append(buf, tmp[:]...)
	return sha3.Sum256(buf)
}

func writeHello(w io.Writer, id *Identity) error {
	var nb [8]byte
	if _, err := rand.Read(nb[:]); err != nil {
		return err
	}
	nonce := binary.BigEndian.Uint64(nb[:])
	sum := helloHash(id.Pub, nonce)
	msg := helloMsg{
		Type:   msgTypeHello,
		PubKey: hex.EncodeToString(id.Pub),
		Nonce:  nonce,
		Sig:    hex.EncodeToString(ed25519.Sign(id.Priv, sum[:])),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readHello(r io.Reader) (feed.ID, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return feed.ID{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxHelloSize {
		return feed.ID{}, fmt.Errorf("hello size %d out of range", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return feed.ID{}, err
	}
	var msg helloMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return feed.ID{}, fmt.Errorf("bad hello: %w", err)
	}
	if msg.Type != msgTypeHello {
		return feed.ID{}, fmt.Errorf("unexpected msg type: %s", msg.Type)
	}
	pub, err := hex.DecodeString(msg.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return feed.ID{}, fmt.Errorf("bad hello pubkey")
	}
	sig, err := hex.DecodeString(msg.Sig)
	if err != nil {
		return feed.ID{}, fmt.Errorf("bad hello sig encoding")
	}
	sum := helloHash(pub, msg.Nonce)
	if !ed25519.Verify(pub, sum[:], sig) {
		return feed.ID{}, fmt.Errorf("hello signature verification failed")
	}
	return feed.FromPublicKey(pub), nil
}
