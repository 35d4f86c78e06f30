package cache

import (
	"fmt"

	"github.com/dgraph-io/badger"

	"github.com/qri-io/oplogdb/dberrors"
)

// badgerCache is an on-disk Cache backed by badger, keying every slot by
// "<manifestHash>/<dbName>/<slot>" so one database on disk shares nothing
// with another.
type badgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens (creating if necessary) a badger-backed Cache
// rooted at dir.
func NewBadgerCache(dir string) (Cache, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger cache at %q: %s", dberrors.ErrTransportError, dir, err)
	}
	return &badgerCache{db: db}, nil
}

// Close releases the underlying badger database.
func (c *badgerCache) Close() error {
	return c.db.Close()
}

func (c *badgerCache) Bucket(manifestHash, dbName string) (Bucket, error) {
	return &badgerBucket{db: c.db, prefix: key(manifestHash, dbName) + "/"}, nil
}

type badgerBucket struct {
	db     *badger.DB
	prefix string
}

func (b *badgerBucket) Get(slot string) ([]byte, bool, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(b.prefix + slot))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading cache slot %q: %s", dberrors.ErrTransportError, slot, err)
	}
	return data, true, nil
}

func (b *badgerBucket) Put(slot string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(b.prefix+slot), data)
	})
	if err != nil {
		return fmt.Errorf("%w: writing cache slot %q: %s", dberrors.ErrTransportError, slot, err)
	}
	return nil
}

// Close is a no-op: the badger.DB handle is shared across every bucket the
// Cache hands out and is closed once, by the Cache itself.
func (b *badgerBucket) Close() error { return nil }
