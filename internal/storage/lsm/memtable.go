package lsm

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/wal"
)

const (
	memtableDegree = 32
	memBatch       = 64
)

var errSealed = errors.New("memtable is sealed")

// memtable buffers recent mutations in key order, one entry per key. Every
// entry in it is also in its write-ahead log.
type memtable struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[storage.Entry]
	sealed bool
	maxSeq storage.Sequence

	size atomic.Int64

	log    *wal.WAL // nil for the recovery memtable
	logNum uint64
}

func entryLess(a, b storage.Entry) bool {
	return storage.Compare(a.Key, b.Key) < 0
}

func newMemtable(log *wal.WAL, logNum uint64) *memtable {
	return &memtable{
		tree:   btree.NewG[storage.Entry](memtableDegree, entryLess),
		log:    log,
		logNum: logNum,
	}
}

// apply records e, replacing any older entry for the same key.
func (m *memtable) apply(e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return errSealed
	}
	if old, ok := m.tree.ReplaceOrInsert(e); ok {
		m.size.Add(-int64(old.Size()))
	}
	m.size.Add(int64(e.Size()))
	if e.Seq > m.maxSeq {
		m.maxSeq = e.Seq
	}
	return nil
}

func (m *memtable) get(key []byte) (storage.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Get(storage.Entry{Key: key})
}

func (m *memtable) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

func (m *memtable) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *memtable) approximateSize() int64 {
	return m.size.Load()
}

func (m *memtable) lastSequence() storage.Sequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq
}

// iterator returns entries with start <= key < end, tombstones included,
// as of now. Later writes to the memtable are not observed.
func (m *memtable) iterator(start, end []byte) *memIterator {
	m.mu.Lock()
	tree := m.tree.Clone()
	m.mu.Unlock()
	return &memIterator{tree: tree, next: start, end: end, pos: -1}
}

// memIterator pages through a private clone of a memtable tree.
type memIterator struct {
	tree *btree.BTreeG[storage.Entry]
	next []byte
	end  []byte
	buf  []storage.Entry
	pos  int
	done bool
}

func (it *memIterator) Next() bool {
	it.pos++
	if it.pos < len(it.buf) {
		return true
	}
	if it.done {
		return false
	}
	it.fill()
	it.pos = 0
	return len(it.buf) > 0
}

func (it *memIterator) fill() {
	it.buf = it.buf[:0]
	more := false
	it.tree.AscendGreaterOrEqual(storage.Entry{Key: it.next}, func(e storage.Entry) bool {
		if storage.PastEnd(e.Key, it.end) {
			return false
		}
		if len(it.buf) == memBatch {
			it.next = e.Key
			more = true
			return false
		}
		it.buf = append(it.buf, e)
		return true
	})
	it.done = !more
}

func (it *memIterator) Entry() storage.Entry {
	return it.buf[it.pos]
}

func (it *memIterator) Err() error { return nil }

func (it *memIterator) Close() error {
	it.done = true
	it.buf = nil
	it.pos = 0
	return nil
}
