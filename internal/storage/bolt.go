package storage

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/torua/internal/errors"
)

// BoltBackend stores every collection of a node in a single bbolt file,
// one top-level bucket per namespace.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens or creates the bbolt file at path.
//
// Parameters:
//   - path: File holding every collection of the node; its directory must exist
//
// Returns:
//   - *BoltBackend: Backend to hand out per-namespace stores; Close it on exit
//   - error: When the file cannot be opened or is locked by another process
//
// Example:
//
//	backend, err := OpenBolt(filepath.Join(dataDir, "documents.db"))
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//	users, err := backend.Store("test.users")
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Store(ns string) (Store, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ns))
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating bucket %s", ns)
	}
	return &BoltStore{db: b.db, bucket: []byte(ns)}, nil
}

func (b *BoltBackend) Drop(ns string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(ns)); err != nil && err != bolt.ErrBucketNotFound {
			return errors.Wrapf(err, "dropping bucket %s", ns)
		}
		return nil
	})
}

func (b *BoltBackend) Namespaces() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	defer func() { b.db = nil }()
	return b.db.Close()
}

// BoltStore is the Store of one namespace inside a BoltBackend. A dropped
// namespace behaves as empty until it is written again.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return ErrKeyNotFound
		}
		v := bkt.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		// Values are only valid for the life of the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

func (s *BoltStore) List() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Stats() StoreStats {
	var stats StoreStats
	_ = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats
}
