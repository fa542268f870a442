package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
)

// Keystore holds the active Ed25519 signing key shared by the token codec
// and the logout token signer. Rotation keeps retired public keys around so
// previously issued values keep verifying.
type Keystore struct {
	mu      sync.RWMutex
	kid     string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	retired map[string]ed25519.PublicKey
}

// NewKeystore generates a fresh active key.
func NewKeystore() (*Keystore, error) {
	ks := &Keystore{retired: map[string]ed25519.PublicKey{}}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeystoreFromSeed builds a keystore from a fixed 32-byte seed.
// Intended for tests and single-node deployments with provisioned keys.
func NewKeystoreFromSeed(seed []byte) (*Keystore, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keystore{
		kid:     keyID(pub),
		priv:    priv,
		pub:     pub,
		retired: map[string]ed25519.PublicKey{},
	}, nil
}

// Rotate generates a new active key and retires the current one.
func (k *Keystore) Rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kid != "" {
		k.retired[k.kid] = k.pub
	}
	k.kid = keyID(pub)
	k.priv = priv
	k.pub = pub
	return nil
}

// Active returns the active key id and private key.
func (k *Keystore) Active() (string, ed25519.PrivateKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.kid, k.priv
}

// PublicKeyByKID resolves a public key by key id, active or retired.
func (k *Keystore) PublicKeyByKID(kid string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == k.kid {
		return k.pub, nil
	}
	if pub, ok := k.retired[kid]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("no key with kid %q", kid)
}

func keyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
