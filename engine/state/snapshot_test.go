package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewMemoryKVStore()
	for i := 0; i < 20; i++ {
		require.NoError(t, src.Set([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%d", i))))
	}

	path := filepath.Join(t.TempDir(), "1"+SnapshotExt)
	meta := &SnapshotMeta{Chain: "test", Sequence: 9}
	require.NoError(t, WriteSnapshot(path, src, meta))
	require.EqualValues(t, 20, meta.NumKeys)
	require.NotEmpty(t, meta.Digest)

	dst := NewMemoryKVStore()
	require.NoError(t, dst.Set([]byte("stale"), []byte("x")))

	restored, err := RestoreFromSnapshot(path, dst)
	require.NoError(t, err)
	require.EqualValues(t, 9, restored.Sequence)
	require.Equal(t, 20, dst.Size())

	_, err = dst.Get([]byte("stale"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	v, err := dst.Get([]byte("k07"))
	require.NoError(t, err)
	require.Equal(t, []byte("v7"), v)
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	src := NewMemoryKVStore()
	require.NoError(t, src.Set([]byte("key"), []byte("value")))

	path := filepath.Join(t.TempDir(), "c"+SnapshotExt)
	require.NoError(t, WriteSnapshot(path, src, &SnapshotMeta{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	dst := NewMemoryKVStore()
	_, err = RestoreFromSnapshot(path, dst)
	require.ErrorContains(t, err, "digest mismatch")
	require.Zero(t, dst.Size())
}

func TestListAndPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	kv := NewMemoryKVStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, WriteSnapshot(filepath.Join(dir, fmt.Sprintf("%d%s", i, SnapshotExt)), kv, &SnapshotMeta{Sequence: uint64(i)}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	list, err := ListSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.NotNil(t, list[0].Meta)

	removed, err := PruneSnapshots(dir, 1)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = PruneSnapshots(dir, 0)
	require.Error(t, err)

	list, err = ListSnapshots(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, list)
}
