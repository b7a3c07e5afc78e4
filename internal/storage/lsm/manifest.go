package lsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/sstable"
)

const manifestName = "MANIFEST"

// manifest is the durable description of the live state of a DB.
// It is replaced as a whole on every change.
type manifest struct {
	ID          string `msgpack:"id"`
	NextFileNum uint64 `msgpack:"next_file"`
	// LastSequence is the highest sequence persisted in tables.
	LastSequence uint64 `msgpack:"last_seq"`
	// MinLogNumber is the oldest write-ahead log still holding mutations
	// that are not in a table.
	MinLogNumber uint64      `msgpack:"min_log"`
	Tables       []tableMeta `msgpack:"tables"` // newest first
	Quarantined  []uint64    `msgpack:"quarantined"`
}

type tableMeta struct {
	Num   uint64             `msgpack:"num"`
	Props sstable.Properties `msgpack:"props"`
}

func newManifest() *manifest {
	return &manifest{ID: uuid.New().String(), NextFileNum: 1}
}

func (m *manifest) clone() *manifest {
	c := *m
	c.Tables = slices.Clone(m.Tables)
	c.Quarantined = slices.Clone(m.Quarantined)
	return &c
}

func (m *manifest) hasTable(num uint64) bool {
	return slices.ContainsFunc(m.Tables, func(t tableMeta) bool { return t.Num == num })
}

func (m *manifest) removeTable(num uint64) {
	m.Tables = slices.DeleteFunc(m.Tables, func(t tableMeta) bool { return t.Num == num })
}

func (m *manifest) quarantine(num uint64) {
	m.removeTable(num)
	if !slices.Contains(m.Quarantined, num) {
		m.Quarantined = append(m.Quarantined, num)
	}
}

// readManifest loads the manifest in dir. It returns (nil, nil) when there
// is none.
func readManifest(dir string) (*manifest, error) {
	path := filepath.Join(dir, manifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewIOError("read manifest", path, err)
	}

	if len(data) < 4 {
		return nil, storage.Corruptf("read manifest", path, "file too short (%d bytes)", len(data))
	}
	payload := data[:len(data)-4]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(data[len(payload):]) {
		return nil, storage.Corruptf("read manifest", path, "checksum mismatch")
	}
	var m manifest
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, storage.NewCorruptionError("read manifest", path, err)
	}
	if m.ID == "" {
		return nil, storage.Corruptf("read manifest", path, "missing database id")
	}
	return &m, nil
}

// writeManifest atomically replaces the manifest in dir.
func writeManifest(dir string, m *manifest) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data := binary.BigEndian.AppendUint32(payload, crc32.ChecksumIEEE(payload))

	path := filepath.Join(dir, manifestName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return storage.NewIOError("write manifest", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return storage.NewIOError("write manifest", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return storage.NewIOError("sync manifest", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return storage.NewIOError("close manifest", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return storage.NewIOError("install manifest", path, err)
	}
	return sstable.SyncDir(dir)
}
