// Package wal implements the write-ahead log that makes memtable contents
// durable before they are flushed to a sorted table.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/strata/internal/storage"
)

// Frame: Len(4) | CRC(Len)(4) | Data(N) | CRC(Data)(4), big-endian.
const (
	headerSize    = 8
	frameOverhead = headerSize + 4
)

// errTorn marks a frame cut off by the end of the file.
var errTorn = errors.New("frame cut off at end of log")

// Options controls durability of appends.
type Options struct {
	// Sync fsyncs after every append. Without it an OS crash may lose
	// acknowledged writes; a process crash does not.
	Sync bool
}

// WAL represents a Write Ahead Log.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
	opts Options
	size int64
}

type record struct {
	Seq   uint64 `msgpack:"s"`
	Kind  uint8  `msgpack:"t"`
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

// Create creates a new, empty WAL file. It fails if the file exists.
func Create(path string, opts Options) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, storage.NewIOError("wal create", path, err)
	}
	return &WAL{
		f:    f,
		path: path,
		opts: opts,
	}, nil
}

// Append writes an entry to the WAL.
func (w *WAL) Append(e storage.Entry) error {
	data, err := msgpack.Marshal(&record{
		Seq:   uint64(e.Seq),
		Kind:  uint8(e.Kind),
		Key:   e.Key,
		Value: e.Value,
	})
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}

	frame := make([]byte, headerSize+len(data)+4)
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	binary.BigEndian.PutUint32(frame[4:], crc32.ChecksumIEEE(frame[:4]))
	copy(frame[headerSize:], data)
	binary.BigEndian.PutUint32(frame[headerSize+len(data):], crc32.ChecksumIEEE(data))

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return storage.ErrClosed
	}
	// One write per record so a crash can only tear the tail.
	if _, err := w.f.Write(frame); err != nil {
		return storage.NewIOError("wal append", w.path, err)
	}
	w.size += int64(len(frame))

	if w.opts.Sync {
		if err := w.f.Sync(); err != nil {
			return storage.NewIOError("wal sync", w.path, err)
		}
	}
	return nil
}

// Sync flushes appended records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return storage.ErrClosed
	}
	if err := w.f.Sync(); err != nil {
		return storage.NewIOError("wal sync", w.path, err)
	}
	return nil
}

// Size returns the number of bytes appended so far.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Path() string {
	return w.path
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return storage.NewIOError("wal close", w.path, err)
	}
	return nil
}

// Remove closes and deletes the WAL file.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewIOError("wal remove", w.path, err)
	}
	return nil
}

// ReplayResult describes what Replay found.
type ReplayResult struct {
	Records int
	// TornBytes is the size of an incomplete trailing write that was ignored.
	TornBytes int64
}

// Replay reads all entries from the WAL at path calling fn for each.
//
// A frame cut off by the end of the file is an interrupted append that was
// never acknowledged; it is skipped and reported in TornBytes, as is a bad
// frame followed only by zero bytes. A bad frame with anything else after it,
// including a damaged header, is corruption.
func Replay(path string, fn func(storage.Entry) error) (ReplayResult, error) {
	var res ReplayResult

	data, err := os.ReadFile(path)
	if err != nil {
		return res, storage.NewIOError("wal replay", path, err)
	}

	off := 0
	for off < len(data) {
		e, n, err := decodeFrame(data[off:])
		if err != nil {
			if errors.Is(err, errTorn) || allZero(data[off+n:]) {
				res.TornBytes = int64(len(data) - off)
				return res, nil
			}
			return res, storage.NewCorruptionError("wal replay", path, fmt.Errorf("offset %d: %w", off, err))
		}
		if err := fn(e); err != nil {
			return res, err
		}
		res.Records++
		off += n
	}
	return res, nil
}

// decodeFrame parses one frame. On failure n is the number of bytes the bad
// frame is known to span: the header alone when the header is bad, else the
// whole claimed frame.
func decodeFrame(buf []byte) (storage.Entry, int, error) {
	if len(buf) < headerSize {
		return storage.Entry{}, 0, errTorn
	}
	if crc32.ChecksumIEEE(buf[:4]) != binary.BigEndian.Uint32(buf[4:]) {
		return storage.Entry{}, headerSize, errors.New("header checksum mismatch")
	}
	length := int(binary.BigEndian.Uint32(buf))
	if length == 0 {
		return storage.Entry{}, headerSize, errors.New("empty record")
	}
	n := frameOverhead + length
	if n > len(buf) {
		return storage.Entry{}, 0, errTorn
	}

	data := buf[headerSize : headerSize+length]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(buf[headerSize+length:]) {
		return storage.Entry{}, n, errors.New("checksum mismatch")
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return storage.Entry{}, n, fmt.Errorf("decode record: %w", err)
	}
	kind := storage.Kind(rec.Kind)
	if kind != storage.KindPut && kind != storage.KindDelete {
		return storage.Entry{}, n, fmt.Errorf("unknown record kind %d", rec.Kind)
	}
	e := storage.Entry{
		Key:  rec.Key,
		Seq:  storage.Sequence(rec.Seq),
		Kind: kind,
	}
	if e.Key == nil {
		e.Key = []byte{}
	}
	if kind == storage.KindPut {
		e.Value = rec.Value
		if e.Value == nil {
			e.Value = []byte{}
		}
	}
	return e, n, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
