package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyKey    = errors.New("key cannot be empty")
	ErrClosed      = errors.New("store is closed")
)

// KVStore is the durable committed-state engine underneath every transaction.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// Iterate visits keys with the given prefix in ascending order.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	// Commit applies every operation of the batch atomically.
	Commit(batch *Batch) error
	Close() error
}

// Op is a single write in a Batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batch is an ordered set of writes committed as one unit.
type Batch struct {
	Ops []Op
}

// Put appends a set operation.
func (b *Batch) Put(key, value []byte) {
	b.Ops = append(b.Ops, Op{Key: key, Value: value})
}

// Remove appends a delete operation.
func (b *Batch) Remove(key []byte) {
	b.Ops = append(b.Ops, Op{Key: key, Delete: true})
}

// Len returns the number of operations.
func (b *Batch) Len() int {
	return len(b.Ops)
}

func (b *Batch) validate() error {
	for _, op := range b.Ops {
		if len(op.Key) == 0 {
			return ErrEmptyKey
		}
	}
	return nil
}

// MemoryKVStore is an in-memory implementation of KVStore
type MemoryKVStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKVStore creates a new in-memory key-value store
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (s *MemoryKVStore) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return nil, ErrClosed
	}
	value, exists := s.data[string(key)]
	if !exists {
		return nil, ErrKeyNotFound
	}

	return bytes.Clone(value), nil
}

// Set stores a key-value pair
func (s *MemoryKVStore) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return s.Commit(b)
}

// Delete removes a key-value pair
func (s *MemoryKVStore) Delete(key []byte) error {
	b := &Batch{}
	b.Remove(key)
	return s.Commit(b)
}

// Has checks if a key exists in the store
func (s *MemoryKVStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Iterate calls fn for each pair whose key has the given prefix, in key order
func (s *MemoryKVStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	if s.data == nil {
		s.mu.RUnlock()
		return ErrClosed
	}
	var keys []string
	for key := range s.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = bytes.Clone(s.data[key])
	}
	s.mu.RUnlock()

	for i, key := range keys {
		if err := fn([]byte(key), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies the batch under a single lock
func (s *MemoryKVStore) Commit(batch *Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrClosed
	}
	for _, op := range batch.Ops {
		if op.Delete {
			delete(s.data, string(op.Key))
			continue
		}
		s.data[string(op.Key)] = bytes.Clone(op.Value)
	}
	return nil
}

// Close closes the store
func (s *MemoryKVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	return nil
}

// Size returns the number of key-value pairs in the store
func (s *MemoryKVStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// OpenStore opens the KVStore named by backend.
func OpenStore(backend, path string) (KVStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryKVStore(), nil
	case "badger":
		return NewBadgerStore(path)
	case "bolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
