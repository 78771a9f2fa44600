package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SnapshotExt is the file extension of snapshot files.
const SnapshotExt = ".snap"

// SnapshotMeta is the header of a snapshot file.
type SnapshotMeta struct {
	Chain    string    `json:"chain"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	NumKeys  uint64    `json:"num_keys"`
	// Digest is sha256 over every length-prefixed key and value in order
	Digest string `json:"digest"`
}

// SnapshotReader streams the entries of a snapshot file.
type SnapshotReader struct {
	file   *os.File
	reader *bufio.Reader
	meta   *SnapshotMeta
	read   uint64
	digest hash.Hash
}

// Next returns the next entry, or io.EOF once every entry was read and the
// digest verified.
func (r *SnapshotReader) Next() ([]byte, []byte, error) {
	if r.read >= r.meta.NumKeys {
		if got := hex.EncodeToString(r.digest.Sum(nil)); got != r.meta.Digest {
			return nil, nil, fmt.Errorf("snapshot digest mismatch: header %s, content %s", r.meta.Digest, got)
		}
		return nil, nil, io.EOF
	}

	key, err := readChunk(r.reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key %d: %w", r.read, err)
	}
	value, err := readChunk(r.reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read value %d: %w", r.read, err)
	}

	hashEntry(r.digest, key, value)
	r.read++
	return key, value, nil
}

// Meta returns the snapshot header.
func (r *SnapshotReader) Meta() *SnapshotMeta {
	return r.meta
}

// Close closes the underlying file.
func (r *SnapshotReader) Close() error {
	return r.file.Close()
}

// WriteSnapshot writes every entry of kv to path. The entry count and digest
// are filled into meta.
func WriteSnapshot(path string, kv KVStore, meta *SnapshotMeta) error {
	digest := sha256.New()
	var count uint64
	err := kv.Iterate(nil, func(key, value []byte) error {
		hashEntry(digest, key, value)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan store: %w", err)
	}
	meta.NumKeys = count
	meta.Digest = hex.EncodeToString(digest.Sum(nil))

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp)
	defer file.Close()

	w := bufio.NewWriter(file)

	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeChunk(w, header); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	var written uint64
	err = kv.Iterate(nil, func(key, value []byte) error {
		if written == count {
			return errors.New("store changed while writing snapshot")
		}
		written++
		if err := writeChunk(w, key); err != nil {
			return err
		}
		return writeChunk(w, value)
	})
	if err != nil {
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if written != count {
		return fmt.Errorf("store changed while writing snapshot: %d of %d entries", written, count)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot opens a snapshot and returns its header and an entry reader.
func ReadSnapshot(path string) (*SnapshotMeta, *SnapshotReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}

	reader := bufio.NewReader(file)
	header, err := readChunk(reader)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(header, &meta); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &meta, &SnapshotReader{
		file:   file,
		reader: reader,
		meta:   &meta,
		digest: sha256.New(),
	}, nil
}

// RestoreFromSnapshot replaces the content of kv with the snapshot at path in
// a single atomic batch.
func RestoreFromSnapshot(path string, kv KVStore) (*SnapshotMeta, error) {
	meta, reader, err := ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	batch := &Batch{}
	incoming := make(map[string]struct{}, meta.NumKeys)
	for {
		key, value, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot entry: %w", err)
		}
		incoming[string(key)] = struct{}{}
		batch.Put(key, value)
	}

	err = kv.Iterate(nil, func(key, _ []byte) error {
		if _, ok := incoming[string(key)]; !ok {
			batch.Remove(key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	if err := kv.Commit(batch); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return meta, nil
}

// SnapshotInfo describes a snapshot file on disk.
type SnapshotInfo struct {
	Path    string        `json:"path"`
	Size    int64         `json:"size"`
	ModTime time.Time     `json:"mod_time"`
	Meta    *SnapshotMeta `json:"meta,omitempty"`
}

// ListSnapshots returns the snapshots in dir, newest first.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory %s: %w", dir, err)
	}

	var out []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SnapshotExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		si := SnapshotInfo{
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if meta, reader, err := ReadSnapshot(si.Path); err == nil {
			reader.Close()
			si.Meta = meta
		}
		out = append(out, si)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// PruneSnapshots removes all but the newest retain snapshots in dir.
func PruneSnapshots(dir string, retain int) (int, error) {
	if retain <= 0 {
		return 0, fmt.Errorf("retain count must be positive, got %d", retain)
	}

	snapshots, err := ListSnapshots(dir)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= retain {
		return 0, nil
	}

	var removed int
	var errs []error
	for _, s := range snapshots[retain:] {
		if err := os.Remove(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func writeChunk(w io.Writer, b []byte) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func hashEntry(h hash.Hash, key, value []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	h.Write(n[:])
	h.Write(key)
	binary.LittleEndian.PutUint32(n[:], uint32(len(value)))
	h.Write(n[:])
	h.Write(value)
}
