package storage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/beflow/beflow/pkg/storage"
)

var (
	kvBucket      = []byte("kv")
	counterBucket = []byte("counters")
)

// BoltStore is the embedded result store: a single bbolt file inside the
// state directory. It is the default backend for single-host deployments.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the state file under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "bespoke-state.db"), 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open state file")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(kvBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(counterBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), storage.Frame(value))
	})
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		framed := tx.Bucket(kvBucket).Get([]byte(key))
		if framed == nil {
			return storage.ErrNotFound
		}
		unframed, err := storage.Unframe(framed)
		if err != nil {
			return err
		}
		value = append([]byte(nil), unframed...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) CompareAndSwap(key string, old, new []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kvBucket)
		framed := bucket.Get([]byte(key))
		if old == nil {
			if framed != nil {
				return storage.ErrConflict
			}
			return bucket.Put([]byte(key), storage.Frame(new))
		}
		if framed == nil {
			return storage.ErrNotFound
		}
		current, err := storage.Unframe(framed)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, old) {
			return storage.ErrConflict
		}
		return bucket.Put([]byte(key), storage.Frame(new))
	})
}

func (s *BoltStore) Scan(prefix string) ([]storage.KV, error) {
	var pairs []storage.KV
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(kvBucket).Cursor()
		p := []byte(prefix)
		for key, framed := cursor.Seek(p); key != nil && bytes.HasPrefix(key, p); key, framed = cursor.Next() {
			value, err := storage.Unframe(framed)
			if err != nil {
				return err
			}
			pairs = append(pairs, storage.KV{
				Key:   string(key),
				Value: append([]byte(nil), value...),
			})
		}
		return nil
	})
	return pairs, err
}

func (s *BoltStore) NextID(counter string) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(counterBucket)
		raw := bucket.Get([]byte(counter))
		if raw != nil {
			id = int64(binary.BigEndian.Uint64(raw))
		}
		id++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		return bucket.Put([]byte(counter), buf)
	})
	return id, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
