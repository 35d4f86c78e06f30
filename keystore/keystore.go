package keystore

import (
	"crypto/rand"
	"fmt"
	"sync"

	golog "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/crypto"
)

var log = golog.Logger("keystore")

// Keystore is the external signing interface the Store adapters and
// Database Manager depend on (spec §6): getKey/createKey/sign/verify.
// Identities are base64-encoded public keys (see EncodePubKeyB64), so
// Verify never needs the signer's key to be present locally.
type Keystore interface {
	// GetKey returns the identity (base64 public key) registered under
	// name, and whether it was found.
	GetKey(name string) (id string, ok bool)
	// CreateKey generates a new Ed25519 keypair, stores it under name, and
	// returns its identity. If name is already registered, its existing
	// identity is returned and no new key is generated.
	CreateKey(name string) (id string, err error)
	// Sign signs data with the private key registered under name.
	Sign(name string, data []byte) ([]byte, error)
	// Verify checks a signature against data for a given identity string,
	// independent of whether that identity is known locally.
	Verify(identity string, data, signature []byte) (bool, error)
}

// memKeystore is an in-memory Keystore, used for tests and single-process
// Managers, following the structure of the teacher's memoryKeyBook
// (auth/key/keybook.go) generalized from peer.ID keys to arbitrary names.
type memKeystore struct {
	mu   sync.RWMutex
	priv map[string]crypto.PrivKey
	ids  map[string]string
}

// NewMemKeystore constructs an in-memory Keystore.
func NewMemKeystore() Keystore {
	return &memKeystore{
		priv: map[string]crypto.PrivKey{},
		ids:  map[string]string{},
	}
}

func (k *memKeystore) GetKey(name string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.ids[name]
	return id, ok
}

func (k *memKeystore) CreateKey(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if id, ok := k.ids[name]; ok {
		return id, nil
	}

	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keystore: generating key pair: %w", err)
	}

	id, err := EncodePubKeyB64(pub)
	if err != nil {
		return "", err
	}

	k.priv[name] = priv
	k.ids[name] = id
	log.Debugf("created key %q -> %s", name, id)
	return id, nil
}

func (k *memKeystore) Sign(name string, data []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.priv[name]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keystore: no private key registered for %q", name)
	}
	return priv.Sign(data)
}

func (k *memKeystore) Verify(identity string, data, signature []byte) (bool, error) {
	pub, err := DecodeB64PubKey(identity)
	if err != nil {
		return false, err
	}
	return pub.Verify(data, signature)
}
