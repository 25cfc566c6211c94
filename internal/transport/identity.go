package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"feedsync/internal/feed"
)

const (
	identityPubFile  = "identity_pub.bin"
	identityPrivFile = "identity_priv.bin"
)

// Identity is the node's long-term ed25519 keypair. The public key doubles
// as the node's own feed ID.
type Identity struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func (id *Identity) FeedID() feed.ID {
	return feed.FromPublicKey(id.Pub)
}

// LoadOrCreateIdentity reads the keypair from home, generating and
// persisting a fresh one on first run. An empty home yields an ephemeral
// identity.
func LoadOrCreateIdentity(home string) (*Identity, error) {
	if home == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &Identity{Pub: pub, Priv: priv}, nil
	}
	pubPath := filepath.Join(home, identityPubFile)
	privPath := filepath.Join(home, identityPrivFile)
	pub, pubErr := os.ReadFile(pubPath)
	priv, privErr := os.ReadFile(privPath)
	if pubErr == nil && privErr == nil {
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity files in %s are corrupt", home)
		}
		return &Identity{Pub: pub, Priv: priv}, nil
	}
	genPub, genPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, genPub, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, genPriv, 0600); err != nil {
		return nil, err
	}
	return &Identity{Pub: genPub, Priv: genPriv}, nil
}
