package storage

import (
	"math"
	"sync/atomic"
)

// Sequence orders mutations. For two mutations on the same key the one with
// the higher Sequence is more recent.
type Sequence uint64

// MaxSequence reads the latest state.
const MaxSequence Sequence = math.MaxUint64

// Sequencer hands out strictly increasing sequences.
type Sequencer struct {
	last atomic.Uint64
}

// Next allocates a sequence greater than every previously allocated one.
func (s *Sequencer) Next() Sequence {
	return Sequence(s.last.Add(1))
}

// Last returns the most recently allocated sequence, 0 if none.
func (s *Sequencer) Last() Sequence {
	return Sequence(s.last.Load())
}

// AdvanceTo makes sure the next allocation is greater than seq.
// Used when recovering persisted state.
func (s *Sequencer) AdvanceTo(seq Sequence) {
	for {
		cur := s.last.Load()
		if uint64(seq) <= cur {
			return
		}
		if s.last.CompareAndSwap(cur, uint64(seq)) {
			return
		}
	}
}

// Kind tells a live value from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is the unit held in memtables and persisted in sorted tables.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   Sequence
	Kind  Kind
}

// Tombstone reports whether the entry marks a deletion.
func (e Entry) Tombstone() bool {
	return e.Kind == KindDelete
}

// Newer reports whether e supersedes o.
func (e Entry) Newer(o Entry) bool {
	return e.Seq > o.Seq
}

// Size approximates the in-memory footprint of the entry.
func (e Entry) Size() int {
	return len(e.Key) + len(e.Value) + 16
}

// Newest resolves two versions of the same key.
func Newest(a, b Entry) Entry {
	if b.Newer(a) {
		return b
	}
	return a
}
