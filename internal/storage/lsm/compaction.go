package lsm

import (
	"os"
	"slices"
	"time"

	"github.com/myuser/strata/internal/metrics"
)

func (d *DB) compactLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.compactCh:
		}
		for {
			var did bool
			err := d.retry("compaction", func() (err error) {
				did, err = d.compact(false)
				return err
			})
			if err != nil || !did {
				break
			}
		}
	}
}

// pickWindow applies the configured triggers to the live runs and returns
// the window to merge. The run count trigger merges the smallest window. The
// size trigger merges size tiers, so a byte is rewritten a logarithmic
// number of times rather than on every flush.
func (d *DB) pickWindow(tables []*table) (lo, hi int, ok bool) {
	if len(tables) < 2 {
		return 0, 0, false
	}
	if n, set := d.opts.CompactionRunCount.Get(); set && len(tables) >= n {
		lo, hi = d.pickInputs(tables)
		return lo, hi, true
	}
	limit, set := d.opts.CompactionSizeBytes.Get()
	if !set || totalSize(tables) < limit {
		return 0, 0, false
	}
	if lo, hi, ok = d.pickTier(tables); ok {
		return lo, hi, true
	}
	// Tiers grow geometrically, so this only fires after quarantines or
	// heavy tombstone drops leave runs out of order.
	if len(tables) > d.opts.MaxCompactionInputs {
		lo, hi = d.pickInputs(tables)
		return lo, hi, true
	}
	return 0, 0, false
}

// pickTier returns the newest window of at least two runs in which every run
// is at most tierRatio times the combined size of the newer runs before it.
func (d *DB) pickTier(tables []*table) (lo, hi int, ok bool) {
	for lo = 0; lo+1 < len(tables); lo++ {
		acc := tables[lo].props().FileSize
		hi = lo + 1
		for hi < len(tables) && hi-lo < d.opts.MaxCompactionInputs &&
			float64(tables[hi].props().FileSize) <= tierRatio*float64(acc) {
			acc += tables[hi].props().FileSize
			hi++
		}
		if hi-lo >= 2 {
			return lo, hi, true
		}
	}
	return 0, 0, false
}

// pickInputs chooses the contiguous window of runs with the smallest total
// size, preferring older runs on ties. tables is newest first.
func (d *DB) pickInputs(tables []*table) (lo, hi int) {
	k := min(d.opts.MaxCompactionInputs, len(tables))
	best := int64(-1)
	for i := 0; i+k <= len(tables); i++ {
		size := totalSize(tables[i : i+k])
		if best < 0 || size <= best {
			best, lo, hi = size, i, i+k
		}
	}
	return lo, hi
}

// compact merges a set of runs into one. With all set every live run is an
// input regardless of the triggers. It reports whether any work was done.
func (d *DB) compact(all bool) (bool, error) {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()

	d.mu.RLock()
	if d.closing {
		d.mu.RUnlock()
		return false, nil
	}
	tables := slices.Clone(d.tables)
	refAll(tables)
	d.mu.RUnlock()
	defer d.release(tables)

	var inputs []*table
	switch {
	case all:
		if len(tables) == 0 || (len(tables) == 1 && tables[0].props().Tombstones == 0) {
			return false, nil
		}
		inputs = tables
	default:
		lo, hi, ok := d.pickWindow(tables)
		if !ok {
			return false, nil
		}
		inputs = tables[lo:hi]
	}
	// Nothing older than the inputs can hold a value a tombstone shadows.
	dropTombstones := inputs[len(inputs)-1] == tables[len(tables)-1]

	start := time.Now()
	sources := make([]entryIterator, len(inputs))
	for i, t := range inputs {
		sources[i] = t.r.NewIterator(nil, nil)
	}
	num := d.nextFile()
	props, err := d.writeTable(num, newMergeIterator(sources), dropTombstones)
	if err != nil {
		return false, d.readFailed(inputs, err)
	}

	var out *table
	if props.Entries > 0 {
		if out, err = openTable(d.dir, num); err != nil {
			os.Remove(tablePath(d.dir, num))
			return false, err
		}
	} else {
		os.Remove(tablePath(d.dir, num))
	}
	discard := func() {
		if out != nil {
			out.obsolete.Store(true)
			d.release([]*table{out})
		}
	}

	d.manifestMu.Lock()
	for _, t := range inputs {
		if !d.manifest.hasTable(t.num) {
			// An input was quarantined meanwhile; pick again.
			d.manifestMu.Unlock()
			discard()
			return true, nil
		}
	}
	isInput := func(num uint64) bool {
		return slices.ContainsFunc(inputs, func(t *table) bool { return t.num == num })
	}

	m := d.manifest.clone()
	m.Tables = m.Tables[:0:0]
	placed := false
	for _, tm := range d.manifest.Tables {
		if !isInput(tm.Num) {
			m.Tables = append(m.Tables, tm)
			continue
		}
		if !placed && out != nil {
			m.Tables = append(m.Tables, tableMeta{Num: out.num, Props: out.props()})
		}
		placed = true
	}
	m.NextFileNum = d.nextFileNum.Load()
	if err := writeManifest(d.dir, m); err != nil {
		d.manifestMu.Unlock()
		discard()
		return false, err
	}
	d.manifest = m

	d.mu.Lock()
	live := make([]*table, 0, len(d.tables))
	placed = false
	for _, t := range d.tables {
		if !isInput(t.num) {
			live = append(live, t)
			continue
		}
		if !placed && out != nil {
			live = append(live, out)
		}
		placed = true
	}
	d.tables = live
	d.updateGaugesLocked()
	d.mu.Unlock()
	d.manifestMu.Unlock()

	for _, t := range inputs {
		t.obsolete.Store(true)
	}
	// Drop the references the live set held.
	d.release(inputs)

	d.compactions.Add(1)
	d.compactionBytes.Add(props.FileSize)
	metrics.Compactions.Inc()
	metrics.CompactionBytes.Add(float64(props.FileSize))
	d.log.Info().Int("inputs", len(inputs)).Uint64("output", num).Uint64("entries", props.Entries).
		Bool("dropped_tombstones", dropTombstones).Dur("took", time.Since(start)).Msg("lsm: compacted runs")
	return true, nil
}
