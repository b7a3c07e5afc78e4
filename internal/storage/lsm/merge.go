package lsm

import (
	"container/heap"

	"go.uber.org/multierr"

	"github.com/myuser/strata/internal/storage"
)

// entryIterator is the internal cursor over versioned entries, implemented by
// memtable and table iterators.
type entryIterator interface {
	Next() bool
	Entry() storage.Entry
	Err() error
	Close() error
}

type heapItem struct {
	e   storage.Entry
	src int
}

// mergeHeap orders by key ascending, then by sequence descending so the
// newest version of a key surfaces first.
type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := storage.Compare(h[i].e.Key, h[j].e.Key); c != 0 {
		return c < 0
	}
	if h[i].e.Seq != h[j].e.Seq {
		return h[i].e.Seq > h[j].e.Seq
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeIterator yields the newest entry of every key found in its sources,
// tombstones included. Older versions are skipped.
type mergeIterator struct {
	sources []entryIterator
	h       mergeHeap
	cur     storage.Entry
	err     error
}

func newMergeIterator(sources []entryIterator) *mergeIterator {
	m := &mergeIterator{sources: sources}
	for i, s := range sources {
		if s.Next() {
			m.h = append(m.h, heapItem{e: s.Entry(), src: i})
		} else if err := s.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeIterator) Next() bool {
	if m.err != nil || len(m.h) == 0 {
		return false
	}
	m.cur = m.h[0].e
	m.advanceTop()
	for m.err == nil && len(m.h) > 0 && storage.Compare(m.h[0].e.Key, m.cur.Key) == 0 {
		m.advanceTop()
	}
	return m.err == nil
}

// advanceTop moves the source at the top of the heap one entry forward.
func (m *mergeIterator) advanceTop() {
	s := m.sources[m.h[0].src]
	if s.Next() {
		m.h[0].e = s.Entry()
		heap.Fix(&m.h, 0)
		return
	}
	if err := s.Err(); err != nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *mergeIterator) Entry() storage.Entry {
	return m.cur
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	var err error
	for _, s := range m.sources {
		err = multierr.Append(err, s.Close())
	}
	m.h = nil
	return err
}
