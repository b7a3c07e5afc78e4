package storage

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/vmihailenco/msgpack/v5"
)

const memoryTreeDegree = 32

// MemoryStore implements Engine on an ordered in-memory btree.
// It is the reference engine: nothing is persisted.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	seq    Sequencer
	closed atomic.Bool
}

type item struct {
	key   []byte
	value []byte
	seq   Sequence
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.NewG[item](memoryTreeDegree, itemLess),
	}
}

// Put writes a key-value pair.
func (s *MemoryStore) Put(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	it := item{key: Clone(key), value: CloneValue(value)}
	if it.key == nil {
		it.key = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Close clears the tree under mu, so a write that lost the race must not
	// land after it.
	if s.closed.Load() {
		return ErrClosed
	}
	it.seq = s.seq.Next()
	s.tree.ReplaceOrInsert(it)
	return nil
}

// Get returns the value for key, if any.
func (s *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	s.mu.RLock()
	it, ok := s.tree.Get(item{key: key})
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	// Stored slices are never mutated, so copying outside the lock is safe.
	return CloneValue(it.value), true, nil
}

// Delete removes key. The mapping is dropped, no tombstone is kept.
func (s *MemoryStore) Delete(key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	// The sequence is consumed even for absent keys so every mutation is ordered.
	s.seq.Next()
	s.tree.Delete(item{key: key})
	return nil
}

// Scan copies [start, end) under the read lock and iterates the copy.
func (s *MemoryStore) Scan(start, end []byte) (Iterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if EmptyRange(start, end) {
		return EmptyIterator(), nil
	}

	var kvs []KV
	visit := func(it item) bool {
		kvs = append(kvs, KV{Key: it.key, Value: it.value})
		return true
	}

	s.mu.RLock()
	if end == nil {
		s.tree.AscendGreaterOrEqual(item{key: start}, visit)
	} else {
		s.tree.AscendRange(item{key: start}, item{key: end}, visit)
	}
	s.mu.RUnlock()

	for i := range kvs {
		kvs[i].Key = Clone(kvs[i].Key)
		kvs[i].Value = CloneValue(kvs[i].Value)
	}
	return NewSliceIterator(kvs), nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// LastSequence returns the sequence of the most recent mutation.
func (s *MemoryStore) LastSequence() Sequence {
	return s.seq.Last()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	s.tree.Clear(false)
	return nil
}

type memorySnapshot struct {
	LastSeq uint64          `msgpack:"seq"`
	Entries []snapshotEntry `msgpack:"entries"`
}

type snapshotEntry struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
	Seq   uint64 `msgpack:"s"`
}

// Snapshot serializes the entire store state.
func (s *MemoryStore) Snapshot() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	snap := memorySnapshot{
		LastSeq: uint64(s.seq.Last()),
		Entries: make([]snapshotEntry, 0, s.tree.Len()),
	}
	s.tree.Ascend(func(it item) bool {
		snap.Entries = append(snap.Entries, snapshotEntry{Key: it.key, Value: it.value, Seq: uint64(it.seq)})
		return true
	})
	data, err := msgpack.Marshal(&snap)
	s.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("encode memory snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the store state with a Snapshot.
func (s *MemoryStore) Restore(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var snap memorySnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return NewCorruptionError("restore", "", err)
	}

	tree := btree.NewG[item](memoryTreeDegree, itemLess)
	for _, e := range snap.Entries {
		key := e.Key
		if key == nil {
			key = []byte{}
		}
		tree.ReplaceOrInsert(item{key: key, value: CloneValue(e.Value), seq: Sequence(e.Seq)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	s.tree = tree
	s.seq.AdvanceTo(Sequence(snap.LastSeq))
	return nil
}
