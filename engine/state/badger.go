package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore provides persistent key-value storage using Badger database
type BadgerStore struct {
	db   *badger.DB
	stop chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewBadgerStore opens a BadgerStore at path. An empty path keeps the database
// in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	opts = opts.WithSyncWrites(true)
	opts = opts.WithCompression(0)
	opts = opts.WithValueLogFileSize(16 << 20)
	opts = opts.WithNumMemtables(2)
	opts = opts.WithNumLevelZeroTables(2)
	opts = opts.WithNumLevelZeroTablesStall(3)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	store := &BadgerStore{
		db:   db,
		stop: make(chan struct{}),
	}

	if path != "" {
		go store.runGC()
	}

	return store, nil
}

// Get retrieves a value by key
func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %x: %w", key, err)
	}

	return value, nil
}

// Set stores a key-value pair
func (s *BadgerStore) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return s.Commit(b)
}

// Delete removes a key-value pair
func (s *BadgerStore) Delete(key []byte) error {
	b := &Batch{}
	b.Remove(key)
	return s.Commit(b)
}

// Has checks if a key exists
func (s *BadgerStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Iterate visits keys with the given prefix in ascending order
func (s *BadgerStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read key %x: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit applies the batch in a single badger transaction
func (s *BadgerStore) Commit(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.Ops {
			var err error
			if op.Delete {
				err = txn.Delete(op.Key)
			} else {
				err = txn.Set(op.Key, op.Value)
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

// Close stops garbage collection and closes the database. It is safe to call
// more than once and from several goroutines.
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// runGC runs periodic garbage collection on value logs
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
