package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func get(t *testing.T, v *View, key string) (string, bool) {
	t.Helper()
	value, ok, err := v.Get([]byte(key))
	require.NoError(t, err)
	return string(value), ok
}

func TestViewReadYourWrites(t *testing.T) {
	kv := NewMemoryKVStore()
	require.NoError(t, kv.Set([]byte("A/balance"), []byte("10")))

	txn := NewTxn(kv, 1)
	v := NewView(txn, []byte("A/"), false)

	val, ok := get(t, v, "balance")
	require.True(t, ok)
	require.Equal(t, "10", val)

	require.NoError(t, v.Set([]byte("balance"), []byte("100")))
	val, _ = get(t, v, "balance")
	require.Equal(t, "100", val)

	require.NoError(t, v.Delete([]byte("balance")))
	_, ok = get(t, v, "balance")
	require.False(t, ok)

	// nothing reached the store
	raw, err := kv.Get([]byte("A/balance"))
	require.NoError(t, err)
	require.Equal(t, []byte("10"), raw)
}

func TestViewFlushThroughTxn(t *testing.T) {
	kv := NewMemoryKVStore()
	txn := NewTxn(kv, 7)
	v := NewView(txn, []byte("A/"), false)

	require.NoError(t, v.Set([]byte("x"), []byte("1")))
	tok, err := v.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, tok.Writes)
	require.EqualValues(t, 7, tok.Sequence)

	_, err = v.Flush()
	require.ErrorIs(t, err, ErrViewClosed)
	require.ErrorIs(t, v.Set([]byte("x"), nil), ErrViewClosed)

	_, err = kv.Get([]byte("A/x"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	txTok, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, tok.Digest, txTok.Digest)

	raw, err := kv.Get([]byte("A/x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), raw)
}

func TestNestedFrameObservesCallerWrites(t *testing.T) {
	kv := NewMemoryKVStore()
	txn := NewTxn(kv, 1)

	outerA := NewView(txn, []byte("A/"), false)
	require.NoError(t, outerA.Set([]byte("balance"), []byte("100")))

	b := NewView(outerA, []byte("B/"), false)
	require.NoError(t, b.Set([]byte("seen"), []byte("yes")))

	innerA := NewView(b, []byte("A/"), false)
	val, ok := get(t, innerA, "balance")
	require.True(t, ok)
	require.Equal(t, "100", val)

	_, err := innerA.Flush()
	require.NoError(t, err)
	_, err = b.Flush()
	require.NoError(t, err)
	_, err = outerA.Flush()
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	raw, err := kv.Get([]byte("B/seen"))
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), raw)
}

func TestTrappedFrameDiscardsNestedWrites(t *testing.T) {
	kv := NewMemoryKVStore()
	txn := NewTxn(kv, 1)

	a := NewView(txn, []byte("A/"), false)
	c := NewView(a, []byte("C/"), false)
	b := NewView(c, []byte("B/"), false)

	require.NoError(t, b.Set([]byte("k"), []byte("v")))
	_, err := b.Flush()
	require.NoError(t, err)

	// C traps after B succeeded: B's writes go with it
	c.Discard()

	require.NoError(t, a.Set([]byte("after"), []byte("1")))
	_, err = a.Flush()
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	_, err = kv.Get([]byte("B/k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = kv.Get([]byte("A/after"))
	require.NoError(t, err)
}

func TestReadOnlyView(t *testing.T) {
	kv := NewMemoryKVStore()
	require.NoError(t, kv.Set([]byte("A/k"), []byte("v")))

	txn := NewTxn(kv, 0)
	defer txn.Discard()

	v := NewView(txn, []byte("A/"), true)
	val, ok := get(t, v, "k")
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.ErrorIs(t, v.Set([]byte("k"), []byte("w")), ErrReadOnly)
	require.ErrorIs(t, v.Delete([]byte("k")), ErrReadOnly)
	require.Zero(t, v.Pending())
}

func TestTxnDiscard(t *testing.T) {
	kv := NewMemoryKVStore()
	txn := NewTxn(kv, 1)
	require.NoError(t, txn.Set([]byte("k"), []byte("v")))
	txn.Discard()

	_, err := txn.Commit()
	require.ErrorIs(t, err, ErrTxnClosed)
	require.Zero(t, kv.Size())
}

func TestCommitTokenDigestIsOrderIndependent(t *testing.T) {
	a := changeSet{"x": {value: []byte("1")}, "y": {deleted: true}}
	b := changeSet{"y": {deleted: true}, "x": {value: []byte("1")}}
	require.Equal(t, a.token(1), b.token(1))

	c := changeSet{"x": {value: []byte("2")}, "y": {deleted: true}}
	require.NotEqual(t, a.token(1).Digest, c.token(1).Digest)
}
