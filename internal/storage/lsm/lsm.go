// Package lsm implements the log-structured disk engine.
//
// Mutations are appended to a write-ahead log and applied to an in-memory
// memtable. Full memtables are sealed and flushed in the background to
// immutable sorted tables ("runs"); runs are merged by background
// compaction. A manifest file records which runs are live.
//
// Directory layout:
//
//	MANIFEST                live runs, sequence and log bookkeeping
//	NNNNNN.wal              write-ahead log of one memtable
//	NNNNNN.sst              live or orphaned sorted table
//	NNNNNN.sst.quarantine   table removed from service after corruption
package lsm

import (
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	plog "github.com/phuslu/log"
	"go.uber.org/multierr"

	"github.com/myuser/strata/internal/metrics"
	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/wal"
)

// DB is the log-structured engine. It implements storage.Engine.
type DB struct {
	dir  string
	opts Options
	log  *plog.Logger

	seq         storage.Sequencer
	nextFileNum atomic.Uint64

	// writeMu serializes mutations. The active memtable is only replaced
	// while it is held.
	writeMu   sync.Mutex
	logBroken bool

	// mu guards the read state. Lock order: manifestMu, mu, memtable.mu.
	mu       sync.RWMutex
	roomCond *sync.Cond
	active   *memtable
	sealed   []*memtable // oldest first
	tables   []*table    // newest first
	closing  bool

	manifestMu sync.Mutex
	manifest   *manifest

	flushMu   sync.Mutex
	compactMu sync.Mutex

	flushCh   chan struct{}
	compactCh chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool

	flushes         atomic.Uint64
	flushBytes      atomic.Int64
	compactions     atomic.Uint64
	compactionBytes atomic.Int64
	stalls          atomic.Uint64
}

var _ storage.Engine = (*DB)(nil)

// Open opens or creates the database in dir and recovers any state left by
// a previous process.
func Open(dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storage.NewIOError("open", dir, err)
	}

	d := &DB{
		dir:       dir,
		opts:      opts,
		log:       opts.Logger,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	d.roomCond = sync.NewCond(&d.mu)

	start := time.Now()
	if err := d.recover(); err != nil {
		unrefAll(d.tables)
		return nil, err
	}
	d.updateGauges()

	d.wg.Add(2)
	go d.flushLoop()
	go d.compactLoop()
	d.signal(d.compactCh)

	d.log.Info().Str("dir", dir).Str("id", d.manifest.ID).Int("runs", len(d.tables)).
		Uint64("last_seq", uint64(d.seq.Last())).Dur("took", time.Since(start)).Msg("lsm: opened")
	return d, nil
}

func (d *DB) nextFile() uint64 {
	return d.nextFileNum.Add(1) - 1
}

func (d *DB) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Put writes a key-value pair.
func (d *DB) Put(key, value []byte) error {
	return d.write(storage.Entry{
		Key:   storage.CloneValue(key),
		Value: storage.CloneValue(value),
		Kind:  storage.KindPut,
	})
}

// Delete writes a tombstone for key.
func (d *DB) Delete(key []byte) error {
	return d.write(storage.Entry{Key: storage.CloneValue(key), Kind: storage.KindDelete})
}

func (d *DB) write(e storage.Entry) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.closed.Load() {
		return storage.ErrClosed
	}
	if err := d.makeRoom(false); err != nil {
		return err
	}

	mem := d.active
	e.Seq = d.seq.Next()
	if err := mem.log.Append(e); err != nil {
		// The log may now end in a partial record. Appending after it would
		// turn a torn tail into corruption, so switch logs first.
		d.logBroken = true
		return err
	}
	if err := mem.apply(e); err != nil {
		return err
	}
	metrics.MemtableBytes.Set(float64(mem.approximateSize()))
	return nil
}

// makeRoom seals the active memtable when it is full (or when force is set
// and it holds anything) and installs a fresh one. It blocks while too many
// sealed memtables await flushing. Requires writeMu.
func (d *DB) makeRoom(force bool) error {
	size := d.active.approximateSize()
	switch {
	case d.logBroken:
	case force && size > 0:
	case size >= d.opts.MemtableSize:
	default:
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stalled := false
	for len(d.sealed) >= d.opts.MaxImmutableMemtables && !d.closing {
		if !stalled {
			stalled = true
			d.stalls.Add(1)
			metrics.WriteStalls.Inc()
		}
		d.roomCond.Wait()
	}
	if d.closing {
		return storage.ErrClosed
	}

	num := d.nextFile()
	w, err := wal.Create(logPath(d.dir, num), wal.Options{Sync: d.opts.SyncWrites})
	if err != nil {
		return err
	}
	d.active.seal()
	d.sealed = append(slices.Clone(d.sealed), d.active)
	d.active = newMemtable(w, num)
	d.logBroken = false
	metrics.MemtableBytes.Set(0)

	d.signal(d.flushCh)
	return nil
}

// Get returns the newest live value of key.
func (d *DB) Get(key []byte) ([]byte, bool, error) {
	if d.closed.Load() {
		return nil, false, storage.ErrClosed
	}

	d.mu.RLock()
	if d.closing {
		d.mu.RUnlock()
		return nil, false, storage.ErrClosed
	}
	active := d.active
	sealed := slices.Clone(d.sealed)
	tables := slices.Clone(d.tables)
	refAll(tables)
	d.mu.RUnlock()
	defer d.release(tables)

	if e, ok := active.get(key); ok {
		return liveValue(e)
	}
	for i := len(sealed) - 1; i >= 0; i-- {
		if e, ok := sealed[i].get(key); ok {
			return liveValue(e)
		}
	}
	for _, t := range tables {
		e, ok, err := t.r.Get(key)
		if err != nil {
			return nil, false, d.readFailed(tables, err)
		}
		if ok {
			return liveValue(e)
		}
	}
	return nil, false, nil
}

func liveValue(e storage.Entry) ([]byte, bool, error) {
	if e.Tombstone() {
		return nil, false, nil
	}
	return storage.CloneValue(e.Value), true, nil
}

// Scan returns an iterator over live entries in [start, end) as of the call.
func (d *DB) Scan(start, end []byte) (storage.Iterator, error) {
	if d.closed.Load() {
		return nil, storage.ErrClosed
	}
	if storage.EmptyRange(start, end) {
		return storage.EmptyIterator(), nil
	}
	start, end = storage.Clone(start), storage.Clone(end)

	d.mu.RLock()
	if d.closing {
		d.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	sources := []entryIterator{d.active.iterator(start, end)}
	for i := len(d.sealed) - 1; i >= 0; i-- {
		sources = append(sources, d.sealed[i].iterator(start, end))
	}
	var tables []*table
	for _, t := range d.tables {
		if t.props().Overlaps(start, end) {
			t.ref()
			tables = append(tables, t)
		}
	}
	d.mu.RUnlock()

	for _, t := range tables {
		sources = append(sources, t.r.NewIterator(start, end))
	}
	return &dbIterator{db: d, merge: newMergeIterator(sources), tables: tables}, nil
}

// dbIterator filters tombstones out of the merged view and hands out copies.
type dbIterator struct {
	db     *DB
	merge  *mergeIterator
	tables []*table
	key    []byte
	value  []byte
	err    error
	closed bool
}

func (it *dbIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for it.merge.Next() {
		e := it.merge.Entry()
		if e.Tombstone() {
			continue
		}
		it.key = storage.CloneValue(e.Key)
		it.value = storage.CloneValue(e.Value)
		return true
	}
	if err := it.merge.Err(); err != nil {
		it.err = it.db.readFailed(it.tables, err)
	}
	it.key, it.value = nil, nil
	return false
}

func (it *dbIterator) Key() []byte   { return it.key }
func (it *dbIterator) Value() []byte { return it.value }
func (it *dbIterator) Err() error    { return it.err }

func (it *dbIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := multierr.Combine(it.merge.Close(), unrefAll(it.tables))
	it.tables = nil
	return err
}

// Flush seals the active memtable and writes every sealed memtable to a
// table before returning.
func (d *DB) Flush() error {
	if d.closed.Load() {
		return storage.ErrClosed
	}
	d.writeMu.Lock()
	err := d.makeRoom(true)
	d.writeMu.Unlock()
	if err != nil {
		return err
	}
	return d.flushSealed()
}

// CompactAll flushes all memtables and merges every live run into one,
// dropping overwritten values and tombstones.
func (d *DB) CompactAll() error {
	if err := d.Flush(); err != nil {
		return err
	}
	_, err := d.compact(true)
	return err
}

// Close stops background work, flushes the memtables and releases all
// files. Mutations already acknowledged stay durable even if the final
// flush fails; they are replayed by the next Open.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	d.closing = true
	d.roomCond.Broadcast()
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var err error
	if d.active.len() == 0 {
		err = multierr.Append(err, d.active.log.Remove())
	} else {
		d.active.seal()
		d.mu.Lock()
		d.sealed = append(slices.Clone(d.sealed), d.active)
		d.mu.Unlock()
	}
	if ferr := d.flushSealed(); ferr != nil {
		err = multierr.Append(err, ferr)
		d.mu.RLock()
		for _, mem := range d.sealed {
			err = multierr.Append(err, mem.log.Close())
		}
		d.mu.RUnlock()
	}

	d.mu.Lock()
	tables := d.tables
	d.tables = nil
	d.mu.Unlock()
	err = multierr.Append(err, unrefAll(tables))

	d.log.Info().Str("dir", d.dir).Uint64("last_seq", uint64(d.seq.Last())).Err(err).Msg("lsm: closed")
	return err
}

// readFailed quarantines the table an integrity failure came from.
func (d *DB) readFailed(tables []*table, err error) error {
	if !storage.IsCorruption(err) {
		return err
	}
	var serr *storage.Error
	if !errors.As(err, &serr) {
		return err
	}
	for _, t := range tables {
		if t.r.Path() == serr.Path {
			d.quarantine(t, err)
			break
		}
	}
	return err
}

// quarantine takes t out of service, keeping its file for inspection.
func (d *DB) quarantine(t *table, cause error) {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()

	if !d.manifest.hasTable(t.num) {
		return
	}
	m := d.manifest.clone()
	m.quarantine(t.num)
	if err := writeManifest(d.dir, m); err != nil {
		d.log.Error().Err(err).Uint64("table", t.num).Msg("lsm: cannot record quarantined table")
		return
	}
	d.manifest = m

	if err := os.Rename(tablePath(d.dir, t.num), quarantinePath(d.dir, t.num)); err != nil {
		d.log.Warn().Err(err).Uint64("table", t.num).Msg("lsm: quarantine rename failed, will retry on open")
	}

	d.mu.Lock()
	d.tables = slices.DeleteFunc(slices.Clone(d.tables), func(x *table) bool { return x == t })
	d.updateGaugesLocked()
	d.mu.Unlock()
	d.release([]*table{t})

	metrics.Quarantined.Inc()
	d.log.Error().Err(cause).Uint64("table", t.num).Msg("lsm: table quarantined")
}

// release drops references taken on tables, logging failures to close or
// remove files.
func (d *DB) release(tables []*table) {
	if err := unrefAll(tables); err != nil {
		d.log.Warn().Err(err).Msg("lsm: releasing tables")
	}
}

// Stats describes the current state of a DB.
type Stats struct {
	MemtableBytes   int64
	SealedMemtables int
	Runs            int
	RunBytes        int64
	Quarantined     int
	LastSequence    storage.Sequence
	Flushes         uint64
	FlushBytes      int64
	Compactions     uint64
	CompactionBytes int64
	WriteStalls     uint64
}

func (d *DB) Stats() Stats {
	d.manifestMu.Lock()
	quarantined := len(d.manifest.Quarantined)
	d.manifestMu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		MemtableBytes:   d.active.approximateSize(),
		SealedMemtables: len(d.sealed),
		Runs:            len(d.tables),
		RunBytes:        totalSize(d.tables),
		Quarantined:     quarantined,
		LastSequence:    d.seq.Last(),
		Flushes:         d.flushes.Load(),
		FlushBytes:      d.flushBytes.Load(),
		Compactions:     d.compactions.Load(),
		CompactionBytes: d.compactionBytes.Load(),
		WriteStalls:     d.stalls.Load(),
	}
}

func totalSize(tables []*table) int64 {
	var n int64
	for _, t := range tables {
		n += t.props().FileSize
	}
	return n
}

func (d *DB) updateGauges() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.updateGaugesLocked()
}

func (d *DB) updateGaugesLocked() {
	metrics.Runs.Set(float64(len(d.tables)))
	metrics.RunBytes.Set(float64(totalSize(d.tables)))
}
