// Package sstable implements immutable sorted tables: the on-disk runs the
// lsm engine flushes memtables into and compacts together.
//
// File layout:
//
//	[data block 0][data block 1]...[index][properties][bloom][footer]
//
// Every block and section is followed by a crc32 of its stored bytes. Data
// blocks are snappy compressed runs of entries:
//
//	uvarint keyLen | uvarint valueLen | uvarint seq | kind(1) | key | value
//
// The index holds the last key, offset and stored length of each data block.
// Properties are msgpack encoded. The fixed-size footer locates the three
// trailing sections and ends with its own checksum and a magic number.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/myuser/strata/internal/storage"
)

const (
	magic      uint32 = 0x53545241 // "STRA"
	footerSize        = 6*8 + 4 + 4
	crcSize           = 4

	DefaultBlockSize       = 4096
	DefaultBloomBitsPerKey = 10
)

// Properties describe a table and are persisted inside it.
type Properties struct {
	Smallest   []byte `msgpack:"smallest"`
	Largest    []byte `msgpack:"largest"`
	Entries    uint64 `msgpack:"entries"`
	Tombstones uint64 `msgpack:"tombstones"`
	MinSeq     uint64 `msgpack:"min_seq"`
	MaxSeq     uint64 `msgpack:"max_seq"`
	Blocks     uint32 `msgpack:"blocks"`

	// FileSize is filled in by Writer.Finish and Reader; it is not encoded.
	FileSize int64 `msgpack:"-"`
}

// Overlaps reports whether the table may hold keys in [start, end).
func (p Properties) Overlaps(start, end []byte) bool {
	if storage.Compare(p.Largest, start) < 0 {
		return false
	}
	return !storage.PastEnd(p.Smallest, end)
}

// Contains reports whether key lies within the table's key range.
func (p Properties) Contains(key []byte) bool {
	return storage.Compare(key, p.Smallest) >= 0 && storage.Compare(key, p.Largest) <= 0
}

type handle struct {
	offset uint64
	length uint64 // stored length including the trailing crc
}

// within reports whether h is a plausible section ending at or before limit.
func (h handle) within(limit uint64) bool {
	return h.length >= crcSize && h.offset <= limit && h.length <= limit-h.offset
}

type footer struct {
	index handle
	props handle
	bloom handle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.BigEndian.PutUint64(buf[0:], f.index.offset)
	binary.BigEndian.PutUint64(buf[8:], f.index.length)
	binary.BigEndian.PutUint64(buf[16:], f.props.offset)
	binary.BigEndian.PutUint64(buf[24:], f.props.length)
	binary.BigEndian.PutUint64(buf[32:], f.bloom.offset)
	binary.BigEndian.PutUint64(buf[40:], f.bloom.length)
	binary.BigEndian.PutUint32(buf[48:], crc32.ChecksumIEEE(buf[:48]))
	binary.BigEndian.PutUint32(buf[52:], magic)
	return buf
}

func decodeFooter(buf []byte, fileSize int64) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, errors.New("short footer")
	}
	if binary.BigEndian.Uint32(buf[52:]) != magic {
		return f, errors.New("bad magic number")
	}
	if crc32.ChecksumIEEE(buf[:48]) != binary.BigEndian.Uint32(buf[48:]) {
		return f, errors.New("footer checksum mismatch")
	}
	f.index = handle{binary.BigEndian.Uint64(buf[0:]), binary.BigEndian.Uint64(buf[8:])}
	f.props = handle{binary.BigEndian.Uint64(buf[16:]), binary.BigEndian.Uint64(buf[24:])}
	f.bloom = handle{binary.BigEndian.Uint64(buf[32:]), binary.BigEndian.Uint64(buf[40:])}

	limit := uint64(fileSize - footerSize)
	for _, h := range []handle{f.index, f.props, f.bloom} {
		if !h.within(limit) {
			return f, fmt.Errorf("section [%d,+%d) outside file", h.offset, h.length)
		}
	}
	return f, nil
}

// seal appends the checksum of payload.
func seal(payload []byte) []byte {
	return binary.BigEndian.AppendUint32(payload, crc32.ChecksumIEEE(payload))
}

// unseal verifies and strips the trailing checksum.
func unseal(stored []byte) ([]byte, error) {
	if len(stored) < crcSize {
		return nil, errors.New("section too short")
	}
	payload := stored[:len(stored)-crcSize]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(stored[len(payload):]) {
		return nil, errors.New("checksum mismatch")
	}
	return payload, nil
}

func appendEntry(dst []byte, e storage.Entry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
	dst = binary.AppendUvarint(dst, uint64(len(e.Value)))
	dst = binary.AppendUvarint(dst, uint64(e.Seq))
	dst = append(dst, byte(e.Kind))
	dst = append(dst, e.Key...)
	return append(dst, e.Value...)
}

// decodeEntry parses one entry from block, returning the bytes consumed.
// Key and Value alias block.
func decodeEntry(block []byte) (storage.Entry, int, error) {
	var e storage.Entry
	off := 0

	keyLen, n := binary.Uvarint(block[off:])
	if n <= 0 {
		return e, 0, errors.New("bad key length")
	}
	off += n
	valLen, n := binary.Uvarint(block[off:])
	if n <= 0 {
		return e, 0, errors.New("bad value length")
	}
	off += n
	seq, n := binary.Uvarint(block[off:])
	if n <= 0 {
		return e, 0, errors.New("bad sequence")
	}
	off += n
	if off >= len(block) {
		return e, 0, errors.New("truncated entry")
	}
	e.Kind = storage.Kind(block[off])
	off++
	if e.Kind != storage.KindPut && e.Kind != storage.KindDelete {
		return e, 0, fmt.Errorf("unknown entry kind %d", e.Kind)
	}
	if keyLen > uint64(len(block)-off) || valLen > uint64(len(block)-off)-keyLen {
		return e, 0, errors.New("entry exceeds block")
	}
	e.Seq = storage.Sequence(seq)
	e.Key = block[off : off+int(keyLen) : off+int(keyLen)]
	off += int(keyLen)
	if e.Kind == storage.KindPut {
		e.Value = block[off : off+int(valLen) : off+int(valLen)]
	}
	off += int(valLen)
	return e, off, nil
}

type indexEntry struct {
	lastKey []byte
	handle
}

func encodeIndex(idx []indexEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(idx)))
	for _, ie := range idx {
		buf = binary.AppendUvarint(buf, uint64(len(ie.lastKey)))
		buf = append(buf, ie.lastKey...)
		buf = binary.AppendUvarint(buf, ie.offset)
		buf = binary.AppendUvarint(buf, ie.length)
	}
	return buf
}

// decodeIndex parses the block index. Data blocks lie before dataEnd.
func decodeIndex(buf []byte, dataEnd uint64) ([]indexEntry, error) {
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, errors.New("bad index count")
	}
	off := n
	// Guards the allocation against a corrupt count.
	if count > uint64(len(buf)) {
		return nil, errors.New("index count exceeds section")
	}
	idx := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, n := binary.Uvarint(buf[off:])
		if n <= 0 || keyLen > uint64(len(buf)-off-n) {
			return nil, fmt.Errorf("index entry %d: bad key", i)
		}
		off += n
		key := buf[off : off+int(keyLen)]
		off += int(keyLen)
		offset, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return nil, fmt.Errorf("index entry %d: bad offset", i)
		}
		off += n
		length, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return nil, fmt.Errorf("index entry %d: bad length", i)
		}
		off += n
		h := handle{offset, length}
		if !h.within(dataEnd) {
			return nil, fmt.Errorf("index entry %d: block [%d,+%d) outside data", i, offset, length)
		}
		idx = append(idx, indexEntry{lastKey: key, handle: h})
	}
	if off != len(buf) {
		return nil, errors.New("trailing bytes after index")
	}
	return idx, nil
}
