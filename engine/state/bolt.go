package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("state")

// BoltStore provides persistent key-value storage on a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get retrieves a value by key
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt values are only valid for the life of the transaction
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

// Set stores a key-value pair
func (s *BoltStore) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return s.Commit(b)
}

// Delete removes a key-value pair
func (s *BoltStore) Delete(key []byte) error {
	b := &Batch{}
	b.Remove(key)
	return s.Commit(b)
}

// Has checks if a key exists
func (s *BoltStore) Has(key []byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(boltBucket).Get(key) != nil
		return nil
	})
	return found, err
}

// Iterate visits keys with the given prefix in ascending order
func (s *BoltStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit applies the batch in a single bolt transaction
func (s *BoltStore) Commit(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range batch.Ops {
			var err error
			if op.Delete {
				err = bucket.Delete(op.Key)
			} else {
				err = bucket.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit %d writes: %w", batch.Len(), err)
	}
	return nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
