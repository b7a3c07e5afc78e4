package sstable

import (
	"fmt"

	"github.com/myuser/strata/internal/storage"
)

// Iterator walks a table's entries in key order, tombstones included,
// loading one data block at a time.
type Iterator struct {
	r     *Reader
	end   []byte
	block []byte
	bi    int // index of the loaded block
	off   int
	cur   storage.Entry
	err   error
	done  bool
}

// NewIterator returns an iterator over entries with start <= key < end.
// A nil end is unbounded.
func (r *Reader) NewIterator(start, end []byte) *Iterator {
	it := &Iterator{r: r, end: end, bi: -1}
	if r.props.Entries == 0 || storage.EmptyRange(start, end) || !r.props.Overlaps(start, end) {
		it.done = true
		return it
	}

	i := r.seekBlock(start)
	if i >= len(r.index) {
		it.done = true
		return it
	}
	if !it.load(i) {
		return it
	}
	// Skip to the first key >= start within the block.
	for it.off < len(it.block) {
		e, n, err := decodeEntry(it.block[it.off:])
		if err != nil {
			it.fail(err)
			return it
		}
		if storage.Compare(e.Key, start) >= 0 {
			break
		}
		it.off += n
	}
	return it
}

func (it *Iterator) load(i int) bool {
	block, err := it.r.readBlock(i)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.block, it.bi, it.off = block, i, 0
	return true
}

func (it *Iterator) fail(err error) {
	it.err = storage.NewCorruptionError("sstable iterate", it.r.path, fmt.Errorf("block %d: %w", it.bi, err))
	it.done = true
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for it.off >= len(it.block) {
		if it.bi+1 >= len(it.r.index) {
			it.done = true
			return false
		}
		if !it.load(it.bi + 1) {
			return false
		}
	}

	e, n, err := decodeEntry(it.block[it.off:])
	if err != nil {
		it.fail(err)
		return false
	}
	if storage.PastEnd(e.Key, it.end) {
		it.done = true
		return false
	}
	it.off += n
	it.cur = e
	return true
}

// Entry returns the current entry. Its slices are only valid until the next
// call to Next.
func (it *Iterator) Entry() storage.Entry {
	return it.cur
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Close() error {
	it.done = true
	it.block = nil
	return nil
}
