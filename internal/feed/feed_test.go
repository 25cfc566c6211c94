package feed

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
)

func genFeed(t *testing.T) (ID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return FromPublicKey(pub), priv
}

func TestSignVerify(t *testing.T) {
	id, priv := genFeed(t)
	m := &Message{
		Feed:      id,
		Sequence:  1,
		Timestamp: 1700000000000,
		Content:   []byte(`{"hello":"world"}`),
	}
	Sign(priv, m)
	if err := (Ed25519Verifier{}).Verify(m); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	id, priv := genFeed(t)
	m := &Message{Feed: id, Sequence: 1, Timestamp: 1, Content: []byte(`"a"`)}
	Sign(priv, m)

	tampered := *m
	tampered.Content = []byte(`"b"`)
	if err := (Ed25519Verifier{}).Verify(&tampered); err == nil {
		t.Fatal("expected verify to fail on tampered content")
	}

	tampered = *m
	tampered.Sequence = 2
	if err := (Ed25519Verifier{}).Verify(&tampered); err == nil {
		t.Fatal("expected verify to fail on tampered sequence")
	}

	tampered = *m
	tampered.Signature = nil
	if err := (Ed25519Verifier{}).Verify(&tampered); err == nil {
		t.Fatal("expected verify to fail on missing signature")
	}
}

func TestVerifyRejectsWrongAuthor(t *testing.T) {
	id, _ := genFeed(t)
	_, otherPriv := genFeed(t)
	m := &Message{Feed: id, Sequence: 1, Timestamp: 1, Content: []byte(`"x"`)}
	Sign(otherPriv, m)
	if err := (Ed25519Verifier{}).Verify(m); err == nil {
		t.Fatal("expected verify to fail for message signed by another key")
	}
}

func TestKeyDependsOnSignature(t *testing.T) {
	id, priv := genFeed(t)
	m := &Message{Feed: id, Sequence: 1, Timestamp: 1, Content: []byte(`"x"`)}
	Sign(priv, m)
	k1 := m.Key()
	m.Signature[0] ^= 0xff
	if m.Key() == k1 {
		t.Fatal("key did not change with signature")
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id, _ := genFeed(t)
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatal("round trip mismatch")
	}
	if _, err := ParseID("zz"); err == nil {
		t.Fatal("expected error for bad hex")
	}
	if _, err := ParseID("abcd"); err == nil {
		t.Fatal("expected error for short id")
	}
}

func TestIDJSONMapKey(t *testing.T) {
	id, _ := genFeed(t)
	in := map[ID]uint64{id: 7}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[ID]uint64
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[id] != 7 {
		t.Fatalf("map key round trip: got %v", out)
	}
}
