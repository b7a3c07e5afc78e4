package lsm

import (
	"os"
	"slices"
	"time"

	"github.com/myuser/strata/internal/metrics"
	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/sstable"
)

func (d *DB) flushLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.flushCh:
		}
		if err := d.retry("flush", d.flushSealed); err != nil {
			return
		}
	}
}

// retry runs fn until it succeeds, backing off exponentially between
// attempts. It gives up only when the DB is closing.
func (d *DB) retry(task string, fn func() error) error {
	delay := minRetryDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		metrics.BackgroundRetries.WithLabelValues(task).Inc()
		d.log.Warn().Err(err).Str("task", task).Int("attempt", attempt).Dur("backoff", delay).
			Msg("lsm: background task failed")

		select {
		case <-d.done:
			return err
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func (d *DB) oldestSealed() *memtable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.sealed) == 0 {
		return nil
	}
	return d.sealed[0]
}

// flushSealed flushes sealed memtables oldest first until none is left.
func (d *DB) flushSealed() error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	for {
		mem := d.oldestSealed()
		if mem == nil {
			return nil
		}
		if err := d.flush(mem); err != nil {
			return err
		}
	}
}

// flush writes mem to a new table, commits it to the manifest and only then
// drops mem and its log. On failure nothing durable has changed.
func (d *DB) flush(mem *memtable) error {
	start := time.Now()

	var t *table
	if mem.len() > 0 {
		num := d.nextFile()
		if _, err := d.writeTable(num, mem.iterator(nil, nil), false); err != nil {
			return err
		}
		var err error
		if t, err = openTable(d.dir, num); err != nil {
			os.Remove(tablePath(d.dir, num))
			return err
		}
	}

	d.manifestMu.Lock()
	m := d.manifest.clone()
	if t != nil {
		m.Tables = append([]tableMeta{{Num: t.num, Props: t.props()}}, m.Tables...)
	}
	m.LastSequence = max(m.LastSequence, uint64(mem.lastSequence()))
	m.MinLogNumber = max(m.MinLogNumber, mem.logNum+1)
	m.NextFileNum = d.nextFileNum.Load()
	if err := writeManifest(d.dir, m); err != nil {
		d.manifestMu.Unlock()
		if t != nil {
			t.obsolete.Store(true)
			d.release([]*table{t})
		}
		return err
	}
	d.manifest = m

	d.mu.Lock()
	if t != nil {
		d.tables = append([]*table{t}, d.tables...)
	}
	d.sealed = slices.DeleteFunc(slices.Clone(d.sealed), func(x *memtable) bool { return x == mem })
	d.roomCond.Broadcast()
	d.updateGaugesLocked()
	d.mu.Unlock()
	d.manifestMu.Unlock()

	if err := mem.log.Remove(); err != nil {
		d.log.Warn().Err(err).Uint64("log", mem.logNum).Msg("lsm: removing flushed log")
	}

	d.flushes.Add(1)
	metrics.Flushes.Inc()
	if t != nil {
		p := t.props()
		d.flushBytes.Add(p.FileSize)
		metrics.FlushBytes.Add(float64(p.FileSize))
		d.log.Info().Uint64("table", t.num).Uint64("entries", p.Entries).Int64("bytes", p.FileSize).
			Dur("took", time.Since(start)).Msg("lsm: flushed memtable")
	}
	d.signal(d.compactCh)
	return nil
}

// writeTable drains src into table num. src is closed.
func (d *DB) writeTable(num uint64, src entryIterator, dropTombstones bool) (sstable.Properties, error) {
	defer src.Close()

	w, err := sstable.Create(tablePath(d.dir, num), d.opts.tableOptions())
	if err != nil {
		return sstable.Properties{}, err
	}
	for src.Next() {
		e := src.Entry()
		if dropTombstones && e.Tombstone() {
			continue
		}
		if err := w.Add(e); err != nil {
			w.Abort()
			return sstable.Properties{}, err
		}
	}
	if err := src.Err(); err != nil {
		w.Abort()
		return sstable.Properties{}, err
	}
	props, err := w.Finish()
	if err != nil {
		w.Abort()
		return sstable.Properties{}, err
	}
	return props, nil
}

var _ entryIterator = (*sstable.Iterator)(nil)
var _ entryIterator = (*memIterator)(nil)
var _ storage.Iterator = (*dbIterator)(nil)
