package sstable

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/strata/internal/storage"
)

// Reader serves lookups and iteration over one table. The index, properties
// and bloom filter are held in memory; data blocks are read on demand.
// A Reader is safe for concurrent use.
type Reader struct {
	f     *os.File
	path  string
	index []indexEntry
	props Properties
	bloom *bloomFilter
}

// Open validates and loads the table at path.
// Integrity failures are reported as storage.ErrCorruption.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storage.NewIOError("sstable open", path, err)
	}
	r, err := load(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func load(f *os.File, path string) (*Reader, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, storage.NewIOError("sstable stat", path, err)
	}
	size := st.Size()
	if size < footerSize {
		return nil, storage.Corruptf("sstable open", path, "file too small (%d bytes)", size)
	}

	buf := make([]byte, footerSize)
	if _, err := f.ReadAt(buf, size-footerSize); err != nil {
		return nil, storage.NewIOError("sstable read footer", path, err)
	}
	ft, err := decodeFooter(buf, size)
	if err != nil {
		return nil, storage.NewCorruptionError("sstable open", path, err)
	}

	r := &Reader{f: f, path: path}

	indexData, err := r.readSection(ft.index, "index")
	if err != nil {
		return nil, err
	}
	if r.index, err = decodeIndex(indexData, ft.index.offset); err != nil {
		return nil, storage.NewCorruptionError("sstable open", path, err)
	}

	propsData, err := r.readSection(ft.props, "properties")
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(propsData, &r.props); err != nil {
		return nil, storage.NewCorruptionError("sstable open", path, fmt.Errorf("properties: %w", err))
	}
	r.props.FileSize = size
	if int(r.props.Blocks) != len(r.index) {
		return nil, storage.Corruptf("sstable open", path, "index has %d blocks, properties say %d", len(r.index), r.props.Blocks)
	}

	bloomData, err := r.readSection(ft.bloom, "bloom")
	if err != nil {
		return nil, err
	}
	r.bloom = decodeBloomFilter(bloomData)

	return r, nil
}

func (r *Reader) readSection(h handle, name string) ([]byte, error) {
	stored := make([]byte, h.length)
	if _, err := r.f.ReadAt(stored, int64(h.offset)); err != nil {
		if err == io.EOF {
			return nil, storage.Corruptf("sstable read", r.path, "%s section truncated", name)
		}
		return nil, storage.NewIOError("sstable read "+name, r.path, err)
	}
	payload, err := unseal(stored)
	if err != nil {
		return nil, storage.NewCorruptionError("sstable read", r.path, fmt.Errorf("%s: %w", name, err))
	}
	return payload, nil
}

// readBlock loads, verifies and decompresses data block i.
func (r *Reader) readBlock(i int) ([]byte, error) {
	h := r.index[i].handle
	stored := make([]byte, h.length)
	if _, err := r.f.ReadAt(stored, int64(h.offset)); err != nil {
		if err == io.EOF {
			return nil, storage.Corruptf("sstable read", r.path, "block %d truncated", i)
		}
		return nil, storage.NewIOError("sstable read block", r.path, err)
	}
	compressed, err := unseal(stored)
	if err != nil {
		return nil, storage.NewCorruptionError("sstable read", r.path, fmt.Errorf("block %d: %w", i, err))
	}
	block, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, storage.NewCorruptionError("sstable read", r.path, fmt.Errorf("block %d: %w", i, err))
	}
	return block, nil
}

// seekBlock returns the first block whose last key is >= key.
func (r *Reader) seekBlock(key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return storage.Compare(r.index[i].lastKey, key) >= 0
	})
}

// Get returns the entry stored for key, which may be a tombstone.
func (r *Reader) Get(key []byte) (storage.Entry, bool, error) {
	if r.props.Entries == 0 || !r.props.Contains(key) || !r.bloom.mayContain(key) {
		return storage.Entry{}, false, nil
	}

	i := r.seekBlock(key)
	if i >= len(r.index) {
		return storage.Entry{}, false, nil
	}
	block, err := r.readBlock(i)
	if err != nil {
		return storage.Entry{}, false, err
	}

	for off := 0; off < len(block); {
		e, n, err := decodeEntry(block[off:])
		if err != nil {
			return storage.Entry{}, false, storage.NewCorruptionError("sstable get", r.path, fmt.Errorf("block %d: %w", i, err))
		}
		off += n
		switch c := storage.Compare(e.Key, key); {
		case c == 0:
			return e, true, nil
		case c > 0:
			return storage.Entry{}, false, nil
		}
	}
	return storage.Entry{}, false, nil
}

// Properties returns the table's persisted properties.
func (r *Reader) Properties() Properties {
	return r.props
}

func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return storage.NewIOError("sstable close", r.path, err)
	}
	return nil
}
