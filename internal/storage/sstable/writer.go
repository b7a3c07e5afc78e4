package sstable

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/strata/internal/storage"
)

// Options tune table construction.
type Options struct {
	// BlockSize is the target uncompressed size of a data block.
	BlockSize int
	// BloomBitsPerKey sizes the bloom filter. Zero disables it.
	BloomBitsPerKey int
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomBitsPerKey < 0 {
		o.BloomBitsPerKey = 0
	}
	return o
}

// Writer constructs a new table from entries added in ascending key order.
//
// Data goes to "<path>.tmp"; Finish makes it durable and renames it into
// place, so a crash never leaves a partially written file under path.
type Writer struct {
	path    string
	tmpPath string
	f       *os.File
	w       *bufio.Writer
	opts    Options

	offset  uint64
	block   []byte
	lastKey []byte
	index   []indexEntry
	hashes  []uint64
	props   Properties
	done    bool
}

// Create starts a table that will live at path.
func Create(path string, opts Options) (*Writer, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, storage.NewIOError("sstable create", tmp, err)
	}
	return &Writer{
		path:    path,
		tmpPath: tmp,
		f:       f,
		w:       bufio.NewWriterSize(f, 64*1024),
		opts:    opts.withDefaults(),
	}, nil
}

// Add appends an entry. Keys must be strictly ascending.
func (b *Writer) Add(e storage.Entry) error {
	if b.done {
		return errors.New("sstable: add after finish")
	}
	if b.props.Entries > 0 && storage.Compare(e.Key, b.lastKey) <= 0 {
		return fmt.Errorf("sstable: key %q added after %q", e.Key, b.lastKey)
	}

	if b.props.Entries == 0 {
		b.props.Smallest = storage.Clone(e.Key)
		b.props.MinSeq = uint64(e.Seq)
	}
	b.props.Entries++
	if e.Tombstone() {
		b.props.Tombstones++
	}
	if uint64(e.Seq) < b.props.MinSeq {
		b.props.MinSeq = uint64(e.Seq)
	}
	if uint64(e.Seq) > b.props.MaxSeq {
		b.props.MaxSeq = uint64(e.Seq)
	}
	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.hashes = append(b.hashes, bloomHash(e.Key))

	if e.Tombstone() {
		e.Value = nil
	}
	b.block = appendEntry(b.block, e)
	if len(b.block) >= b.opts.BlockSize {
		return b.flushBlock()
	}
	return nil
}

// Count returns the number of entries added so far.
func (b *Writer) Count() uint64 {
	return b.props.Entries
}

// EstimatedSize is the number of bytes written plus the pending block.
func (b *Writer) EstimatedSize() uint64 {
	return b.offset + uint64(len(b.block))
}

func (b *Writer) write(p []byte) error {
	if _, err := b.w.Write(p); err != nil {
		return storage.NewIOError("sstable write", b.tmpPath, err)
	}
	b.offset += uint64(len(p))
	return nil
}

// flushBlock compresses the pending block, writes it and indexes it.
func (b *Writer) flushBlock() error {
	if len(b.block) == 0 {
		return nil
	}
	stored := seal(snappy.Encode(nil, b.block))
	h := handle{offset: b.offset, length: uint64(len(stored))}
	if err := b.write(stored); err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{lastKey: storage.Clone(b.lastKey), handle: h})
	b.props.Blocks++
	b.block = b.block[:0]
	return nil
}

func (b *Writer) writeSection(payload []byte) (handle, error) {
	stored := seal(payload)
	h := handle{offset: b.offset, length: uint64(len(stored))}
	return h, b.write(stored)
}

// Finish writes the trailing sections, syncs, and moves the table into place.
func (b *Writer) Finish() (Properties, error) {
	if b.done {
		return Properties{}, errors.New("sstable: finish called twice")
	}
	b.props.Largest = storage.Clone(b.lastKey)
	if b.props.Smallest == nil {
		b.props.Smallest = []byte{}
		b.props.Largest = []byte{}
	}

	if err := b.flushBlock(); err != nil {
		return Properties{}, err
	}

	var (
		ft  footer
		err error
	)
	if ft.index, err = b.writeSection(encodeIndex(b.index)); err != nil {
		return Properties{}, err
	}
	props, err := msgpack.Marshal(&b.props)
	if err != nil {
		return Properties{}, fmt.Errorf("encode sstable properties: %w", err)
	}
	if ft.props, err = b.writeSection(props); err != nil {
		return Properties{}, err
	}
	if ft.bloom, err = b.writeSection(newBloomFilter(b.hashes, b.opts.BloomBitsPerKey).encode()); err != nil {
		return Properties{}, err
	}
	if err := b.write(ft.encode()); err != nil {
		return Properties{}, err
	}

	if err := b.w.Flush(); err != nil {
		return Properties{}, storage.NewIOError("sstable flush", b.tmpPath, err)
	}
	if err := b.f.Sync(); err != nil {
		return Properties{}, storage.NewIOError("sstable sync", b.tmpPath, err)
	}
	if err := b.f.Close(); err != nil {
		return Properties{}, storage.NewIOError("sstable close", b.tmpPath, err)
	}
	b.f = nil

	if err := os.Rename(b.tmpPath, b.path); err != nil {
		return Properties{}, storage.NewIOError("sstable rename", b.path, err)
	}
	if err := SyncDir(filepath.Dir(b.path)); err != nil {
		return Properties{}, err
	}
	b.done = true

	b.props.FileSize = int64(b.offset)
	return b.props, nil
}

// Abort discards the table under construction.
func (b *Writer) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	if b.f != nil {
		b.f.Close()
		b.f = nil
	}
	if err := os.Remove(b.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewIOError("sstable abort", b.tmpPath, err)
	}
	return nil
}

// SyncDir fsyncs a directory so renames and removals inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return storage.NewIOError("sync dir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return storage.NewIOError("sync dir", dir, err)
	}
	return nil
}
