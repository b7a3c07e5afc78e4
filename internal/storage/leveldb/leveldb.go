// Package leveldb adapts goleveldb to the storage.Engine contract.
package leveldb

import (
	"errors"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/myuser/strata/internal/storage"
)

// Options tune the underlying goleveldb instance.
type Options struct {
	SyncWrites      bool
	BlockSize       int
	BloomBitsPerKey int
}

// Store is a storage.Engine backed by goleveldb. goleveldb assigns its own
// sequence numbers, so Store does not expose any.
type Store struct {
	Path   string
	db     *leveldb.DB
	wo     *opt.WriteOptions
	closed atomic.Bool
}

var _ storage.Engine = (*Store)(nil)

func Open(path string, opts Options) (*Store, error) {
	o := &opt.Options{BlockSize: opts.BlockSize}
	if opts.BloomBitsPerKey > 0 {
		o.Filter = filter.NewBloomFilter(opts.BloomBitsPerKey)
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, classify("open", path, err)
	}
	return &Store{
		Path: path,
		db:   db,
		wo:   &opt.WriteOptions{Sync: opts.SyncWrites},
	}, nil
}

// classify maps goleveldb errors onto the storage error kinds.
func classify(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return storage.ErrClosed
	case lerrors.IsCorrupted(err):
		return storage.NewCorruptionError(op, path, err)
	default:
		return storage.NewIOError(op, path, err)
	}
}

func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, storage.ErrClosed
	}
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get", s.Path, err)
	}
	return storage.CloneValue(v), true, nil
}

func (s *Store) Put(key, value []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return classify("put", s.Path, s.db.Put(key, value, s.wo))
}

func (s *Store) Delete(key []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return classify("delete", s.Path, s.db.Delete(key, s.wo))
}

// Scan iterates a snapshot taken at the time of the call.
func (s *Store) Scan(start, end []byte) (storage.Iterator, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if storage.EmptyRange(start, end) {
		return storage.EmptyIterator(), nil
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, classify("scan", s.Path, err)
	}
	r := &util.Range{Start: storage.Clone(start), Limit: storage.Clone(end)}
	return &snapshotIterator{
		path: s.Path,
		snap: snap,
		it:   snap.NewIterator(r, nil),
	}, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return storage.NewIOError("close", s.Path, err)
	}
	return nil
}

type snapshotIterator struct {
	path   string
	snap   *leveldb.Snapshot
	it     iterator.Iterator
	key    []byte
	value  []byte
	closed bool
}

func (i *snapshotIterator) Next() bool {
	if i.closed || !i.it.Next() {
		i.key, i.value = nil, nil
		return false
	}
	i.key = storage.CloneValue(i.it.Key())
	i.value = storage.CloneValue(i.it.Value())
	return true
}

func (i *snapshotIterator) Key() []byte   { return i.key }
func (i *snapshotIterator) Value() []byte { return i.value }

func (i *snapshotIterator) Err() error {
	if i.closed {
		return nil
	}
	return classify("scan", i.path, i.it.Error())
}

func (i *snapshotIterator) Close() error {
	if i.closed {
		return nil
	}
	err := i.it.Error()
	i.it.Release()
	i.snap.Release()
	i.closed = true
	return classify("scan", i.path, err)
}
