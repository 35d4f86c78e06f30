// Package objectstore implements the content-addressed Object Store
// external interface (spec §6): put(bytes) -> hash, get(hash) -> bytes.
// Manifests, Access Controllers, and Entries are all stored here as their
// canonical-encoding wire forms.
package objectstore

import (
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/qri-io/oplogdb/dberrors"
)

// Store is the content-addressed Object Store contract. Implementations
// must be safe for concurrent use (spec §5 "Object Store: shared
// read/write, assumed internally safe for concurrent access").
type Store interface {
	Put(data []byte) (hash string, err error)
	Get(hash string) (data []byte, err error)
}

// hash computes the CIDv1/raw/sha2-256 content address for data, the same
// addressing primitive entry.Hash uses for entries, so manifests, access
// lists, and entries all share one hash space.
func hash(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("objectstore: hashing: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// memStore is an in-memory Object Store, used for tests and single-process
// Managers.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore constructs an in-memory Store.
func NewMemStore() Store {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Put(data []byte) (string, error) {
	h, err := hash(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.data[h] = append([]byte(nil), data...)
	s.mu.Unlock()
	return h, nil
}

func (s *memStore) Get(h string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.data[h]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: object %q not found", dberrors.ErrTransportError, h)
	}
	return append([]byte(nil), data...), nil
}
