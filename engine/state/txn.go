package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrTxnClosed is returned by any operation on a committed or discarded layer.
var ErrTxnClosed = errors.New("transaction is closed")

// CommitToken describes a set of writes that was applied to a parent layer or
// to the durable store.
type CommitToken struct {
	// Sequence is the ordinal of the enclosing transaction
	Sequence uint64
	Writes   int
	// Digest is sha256 over the ordered change set
	Digest [32]byte
}

// Parent is a layer a View reads through and flushes into. It is implemented
// by *Txn and *View.
type Parent interface {
	lookup(key []byte) ([]byte, bool, error)
	merge(writes changeSet) error
	sequence() uint64
}

type change struct {
	value   []byte
	deleted bool
}

// changeSet holds pending writes keyed by full store key.
type changeSet map[string]change

func (cs changeSet) sortedKeys() []string {
	keys := make([]string, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (cs changeSet) token(seq uint64) CommitToken {
	h := sha256.New()
	var n [8]byte
	for _, k := range cs.sortedKeys() {
		c := cs[k]
		binary.BigEndian.PutUint64(n[:], uint64(len(k)))
		h.Write(n[:])
		h.Write([]byte(k))
		if c.deleted {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		binary.BigEndian.PutUint64(n[:], uint64(len(c.value)))
		h.Write(n[:])
		h.Write(c.value)
	}

	tok := CommitToken{Sequence: seq, Writes: len(cs)}
	copy(tok.Digest[:], h.Sum(nil))
	return tok
}

// Txn stages every write of one transaction above the durable store. Nothing
// reaches the store until Commit.
type Txn struct {
	store  KVStore
	seq    uint64
	writes changeSet
	closed bool
}

// NewTxn opens a staging layer over store.
func NewTxn(store KVStore, seq uint64) *Txn {
	return &Txn{store: store, seq: seq, writes: changeSet{}}
}

// Get reads through pending writes to the store.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	return t.lookup(key)
}

// Set stages a write.
func (t *Txn) Set(key, value []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	t.writes[string(key)] = change{value: bytes.Clone(value)}
	return nil
}

// Delete stages a removal.
func (t *Txn) Delete(key []byte) error {
	if t.closed {
		return ErrTxnClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	t.writes[string(key)] = change{deleted: true}
	return nil
}

// Pending returns the number of staged writes.
func (t *Txn) Pending() int {
	return len(t.writes)
}

// Token describes the changes staged so far without applying them.
func (t *Txn) Token() CommitToken {
	return t.writes.token(t.seq)
}

// Commit writes every staged change to the store as one atomic batch. The
// transaction is closed whether or not the store accepts the batch.
func (t *Txn) Commit() (CommitToken, error) {
	if t.closed {
		return CommitToken{}, ErrTxnClosed
	}
	t.closed = true

	batch := &Batch{}
	for _, k := range t.writes.sortedKeys() {
		c := t.writes[k]
		if c.deleted {
			batch.Remove([]byte(k))
		} else {
			batch.Put([]byte(k), c.value)
		}
	}

	tok := t.writes.token(t.seq)
	t.writes = nil
	if batch.Len() == 0 {
		return tok, nil
	}
	if err := t.store.Commit(batch); err != nil {
		return CommitToken{}, fmt.Errorf("failed to commit transaction %d: %w", t.seq, err)
	}
	return tok, nil
}

// Discard drops every staged change.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
}

func (t *Txn) lookup(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, ErrTxnClosed
	}
	if c, ok := t.writes[string(key)]; ok {
		if c.deleted {
			return nil, false, nil
		}
		return bytes.Clone(c.value), true, nil
	}

	value, err := t.store.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Txn) merge(writes changeSet) error {
	if t.closed {
		return ErrTxnClosed
	}
	for k, c := range writes {
		t.writes[k] = c
	}
	return nil
}

func (t *Txn) sequence() uint64 {
	return t.seq
}
