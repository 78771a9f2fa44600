package state

import (
	"bytes"
	"errors"
)

var (
	// ErrReadOnly is returned by Set and Delete on a read-only view.
	ErrReadOnly = errors.New("view is read-only")
	// ErrViewClosed is returned once a view was flushed or discarded.
	ErrViewClosed = errors.New("view is closed")
)

// View is the storage scope of one application inside one call frame. Keys
// are relative to the application's prefix. Writes stay in the view until the
// host flushes it into its parent, which is the caller frame's view or the
// transaction for the root frame. A nested frame therefore observes every
// write issued earlier in the call tree, and a frame that traps is discarded
// without touching its parent.
type View struct {
	parent   Parent
	prefix   []byte
	writes   changeSet
	readOnly bool
	closed   bool
}

// NewView opens a view for the application owning prefix.
func NewView(parent Parent, prefix []byte, readOnly bool) *View {
	return &View{
		parent:   parent,
		prefix:   bytes.Clone(prefix),
		writes:   changeSet{},
		readOnly: readOnly,
	}
}

// ReadOnly reports whether the view rejects mutations.
func (v *View) ReadOnly() bool {
	return v.readOnly
}

// Pending returns the number of buffered writes.
func (v *View) Pending() int {
	return len(v.writes)
}

// Get returns the value of key as seen by this frame.
func (v *View) Get(key []byte) ([]byte, bool, error) {
	if v.closed {
		return nil, false, ErrViewClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	return v.lookup(v.fullKey(key))
}

// Set buffers a write.
func (v *View) Set(key, value []byte) error {
	if err := v.writable(key); err != nil {
		return err
	}
	v.writes[string(v.fullKey(key))] = change{value: bytes.Clone(value)}
	return nil
}

// Delete buffers a removal.
func (v *View) Delete(key []byte) error {
	if err := v.writable(key); err != nil {
		return err
	}
	v.writes[string(v.fullKey(key))] = change{deleted: true}
	return nil
}

// Flush merges every buffered write into the parent in one step and closes
// the view. It is called once, by the host, when the frame succeeds.
func (v *View) Flush() (CommitToken, error) {
	if v.closed {
		return CommitToken{}, ErrViewClosed
	}
	v.closed = true

	tok := v.writes.token(v.parent.sequence())
	if len(v.writes) > 0 {
		if err := v.parent.merge(v.writes); err != nil {
			return CommitToken{}, err
		}
	}
	v.writes = nil
	return tok, nil
}

// Discard drops every buffered write and closes the view.
func (v *View) Discard() {
	v.closed = true
	v.writes = nil
}

func (v *View) writable(key []byte) error {
	if v.closed {
		return ErrViewClosed
	}
	if v.readOnly {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

func (v *View) fullKey(key []byte) []byte {
	full := make([]byte, 0, len(v.prefix)+len(key))
	full = append(full, v.prefix...)
	return append(full, key...)
}

func (v *View) lookup(key []byte) ([]byte, bool, error) {
	if c, ok := v.writes[string(key)]; ok {
		if c.deleted {
			return nil, false, nil
		}
		return bytes.Clone(c.value), true, nil
	}
	return v.parent.lookup(key)
}

func (v *View) merge(writes changeSet) error {
	if v.closed {
		return ErrViewClosed
	}
	if v.readOnly {
		return ErrReadOnly
	}
	for k, c := range writes {
		v.writes[k] = c
	}
	return nil
}

func (v *View) sequence() uint64 {
	return v.parent.sequence()
}
