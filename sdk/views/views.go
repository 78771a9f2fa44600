// Package views provides typed storage on top of an application's key/value
// storage. Values are encoded with deterministic CBOR.
package views

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Reader is implemented by both sdk runtimes.
type Reader interface {
	Get(key []byte) ([]byte, bool)
}

// Writer is implemented by the contract runtime only.
type Writer interface {
	Reader
	Set(key, value []byte)
	Delete(key []byte)
}

var enc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Register is a single typed value stored under one key.
type Register[T any] struct {
	key []byte
}

// NewRegister returns a register stored under key.
func NewRegister[T any](key string) Register[T] {
	return Register[T]{key: []byte(key)}
}

// Get returns the stored value, or the zero value if none was stored.
func (r Register[T]) Get(s Reader) (T, error) {
	var v T
	raw, ok := s.Get(r.key)
	if !ok {
		return v, nil
	}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("register %q: %w", r.key, err)
	}
	return v, nil
}

// Set stores v.
func (r Register[T]) Set(s Writer, v T) error {
	raw, err := enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("register %q: %w", r.key, err)
	}
	s.Set(r.key, raw)
	return nil
}

// Clear removes the stored value.
func (r Register[T]) Clear(s Writer) {
	s.Delete(r.key)
}

// MapView is a typed map whose entries live under a common key prefix.
type MapView[V any] struct {
	prefix []byte
}

// NewMapView returns a map stored under prefix. Prefixes of two views of one
// application must not be prefixes of each other.
func NewMapView[V any](prefix string) MapView[V] {
	return MapView[V]{prefix: []byte(prefix)}
}

func (m MapView[V]) key(k []byte) []byte {
	return append(bytes.Clone(m.prefix), k...)
}

// Get returns the value stored for k.
func (m MapView[V]) Get(s Reader, k []byte) (V, bool, error) {
	var v V
	raw, ok := s.Get(m.key(k))
	if !ok {
		return v, false, nil
	}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("map %q entry %x: %w", m.prefix, k, err)
	}
	return v, true, nil
}

// Set stores v for k.
func (m MapView[V]) Set(s Writer, k []byte, v V) error {
	raw, err := enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("map %q entry %x: %w", m.prefix, k, err)
	}
	s.Set(m.key(k), raw)
	return nil
}

// Delete removes the entry for k.
func (m MapView[V]) Delete(s Writer, k []byte) {
	s.Delete(m.key(k))
}

// Update applies fn to the value stored for k, or to the zero value, and
// stores the result.
func (m MapView[V]) Update(s Writer, k []byte, fn func(V) V) (V, error) {
	v, _, err := m.Get(s, k)
	if err != nil {
		return v, err
	}
	v = fn(v)
	return v, m.Set(s, k, v)
}
