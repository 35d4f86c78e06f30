package keystore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// localStore is a file-backed Keystore, generalizing the teacher's
// auth/key/store.go localStore from a single libp2p keybook file to this
// package's name -> (priv, id) map, guarded by the same flock-based
// cross-process lock.
type localStore struct {
	mu       sync.Mutex
	filename string
	flock    *flock.Flock
}

// NewLocalStore constructs a file-backed Keystore persisted as JSON at
// filename.
func NewLocalStore(filename string) Keystore {
	return &localStore{
		filename: filename,
		flock:    flock.New(filename + ".lock"),
	}
}

type localKeyRecord struct {
	ID         string `json:"id"`
	PrivKeyB64 string `json:"privKey"`
}

func (s *localStore) load() (map[string]localKeyRecord, error) {
	if err := s.flock.Lock(); err != nil {
		return nil, fmt.Errorf("keystore: locking %q: %w", s.filename, err)
	}
	defer s.flock.Unlock()

	records := map[string]localKeyRecord{}
	data, err := ioutil.ReadFile(s.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, fmt.Errorf("keystore: reading %q: %w", s.filename, err)
	}
	if err := json.Unmarshal(data, &records); err != nil {
		log.Debugf("keystore: %q is corrupt, treating as empty: %s", s.filename, err)
		return map[string]localKeyRecord{}, nil
	}
	return records, nil
}

func (s *localStore) save(records map[string]localKeyRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("keystore: marshaling keys: %w", err)
	}
	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("keystore: locking %q: %w", s.filename, err)
	}
	defer s.flock.Unlock()
	return ioutil.WriteFile(s.filename, data, 0600)
}

func (s *localStore) GetKey(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		log.Debugf("keystore: GetKey(%q): %s", name, err)
		return "", false
	}
	rec, ok := records[name]
	return rec.ID, ok
}

func (s *localStore) CreateKey(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return "", err
	}
	if rec, ok := records[name]; ok {
		return rec.ID, nil
	}

	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keystore: generating key pair: %w", err)
	}
	id, err := EncodePubKeyB64(pub)
	if err != nil {
		return "", err
	}
	privB64, err := EncodePrivKeyB64(priv)
	if err != nil {
		return "", err
	}

	records[name] = localKeyRecord{ID: id, PrivKeyB64: privB64}
	if err := s.save(records); err != nil {
		return "", err
	}
	return id, nil
}

func (s *localStore) Sign(name string, data []byte) ([]byte, error) {
	s.mu.Lock()
	records, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rec, ok := records[name]
	if !ok {
		return nil, fmt.Errorf("keystore: no private key registered for %q", name)
	}
	priv, err := DecodeB64PrivKey(rec.PrivKeyB64)
	if err != nil {
		return nil, err
	}
	return priv.Sign(data)
}

func (s *localStore) Verify(identity string, data, signature []byte) (bool, error) {
	pub, err := DecodeB64PubKey(identity)
	if err != nil {
		return false, err
	}
	return pub.Verify(data, signature)
}
