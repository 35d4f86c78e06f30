package objectstore

import (
	"fmt"

	"github.com/dgraph-io/badger"

	"github.com/qri-io/oplogdb/dberrors"
)

// badgerStore is an on-disk Object Store backed by badger, the same
// key/value engine the teacher pins in its go.mod for local dataset
// storage; here it backs content-addressed blobs instead of datasets.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if necessary) a badger-backed Object Store
// rooted at dir.
func NewBadgerStore(dir string) (Store, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger object store at %q: %s", dberrors.ErrTransportError, dir, err)
	}
	return &badgerStore{db: db}, nil
}

// Close releases the underlying badger database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) Put(data []byte) (string, error) {
	h, err := hash(data)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(h), data)
	})
	if err != nil {
		return "", fmt.Errorf("%w: writing object %q: %s", dberrors.ErrTransportError, h, err)
	}
	return h, nil
}

func (s *badgerStore) Get(h string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: object %q not found", dberrors.ErrTransportError, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading object %q: %s", dberrors.ErrTransportError, h, err)
	}
	return data, nil
}
