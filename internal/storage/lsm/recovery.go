package lsm

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/wal"
)

// recover rebuilds the DB state from dir:
//
//  1. load the manifest, or start a new one;
//  2. delete leftovers of interrupted writes and finish interrupted
//     quarantines;
//  3. open the live tables, quarantining any that fail validation;
//  4. replay the logs that hold unflushed mutations and flush them;
//  5. start a fresh log.
func (d *DB) recover() error {
	m, err := readManifest(d.dir)
	if err != nil {
		return err
	}
	if m == nil {
		m = newManifest()
		d.log.Info().Str("dir", d.dir).Str("id", m.ID).Msg("lsm: creating database")
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return storage.NewIOError("recover", d.dir, err)
	}
	var (
		logs   []uint64
		tables = make(map[uint64]bool)
		maxNum uint64
	)
	for _, de := range entries {
		typ, num := parseFileName(de.Name())
		switch typ {
		case fileTemp:
			d.removeFile(filepath.Join(d.dir, de.Name()), "incomplete write")
		case fileLog:
			logs = append(logs, num)
		case fileTable:
			tables[num] = true
		}
		maxNum = max(maxNum, num)
	}
	d.nextFileNum.Store(max(m.NextFileNum, maxNum+1))

	for _, num := range m.Quarantined {
		if tables[num] {
			if err := os.Rename(tablePath(d.dir, num), quarantinePath(d.dir, num)); err != nil {
				return storage.NewIOError("recover", tablePath(d.dir, num), err)
			}
			delete(tables, num)
		}
	}
	for num := range tables {
		if !m.hasTable(num) {
			d.removeFile(tablePath(d.dir, num), "table not in manifest")
		}
	}

	for _, tm := range slices.Clone(m.Tables) {
		t, err := openTable(d.dir, tm.Num)
		if storage.IsCorruption(err) {
			d.log.Error().Err(err).Uint64("table", tm.Num).Msg("lsm: table failed validation, quarantining")
			m.quarantine(tm.Num)
			if rerr := os.Rename(tablePath(d.dir, tm.Num), quarantinePath(d.dir, tm.Num)); rerr != nil {
				return storage.NewIOError("recover", tablePath(d.dir, tm.Num), rerr)
			}
			continue
		}
		if err != nil {
			return err
		}
		d.tables = append(d.tables, t)
	}

	slices.Sort(logs)
	mem := newMemtable(nil, 0)
	maxSeq := storage.Sequence(m.LastSequence)
	var replayed []uint64
	for _, num := range logs {
		if num < m.MinLogNumber {
			d.removeFile(logPath(d.dir, num), "log already flushed")
			continue
		}
		res, err := wal.Replay(logPath(d.dir, num), func(e storage.Entry) error {
			if uint64(e.Seq) <= m.LastSequence {
				return nil
			}
			maxSeq = max(maxSeq, e.Seq)
			return mem.apply(e)
		})
		if err != nil {
			return err
		}
		if res.TornBytes > 0 {
			d.log.Warn().Uint64("log", num).Int64("bytes", res.TornBytes).Msg("lsm: ignored torn log tail")
		}
		d.log.Info().Uint64("log", num).Int("records", res.Records).Msg("lsm: replayed log")
		replayed = append(replayed, num)
	}
	d.seq.AdvanceTo(maxSeq)

	if mem.len() > 0 {
		num := d.nextFile()
		if _, err := d.writeTable(num, mem.iterator(nil, nil), false); err != nil {
			return err
		}
		t, err := openTable(d.dir, num)
		if err != nil {
			return err
		}
		d.tables = append([]*table{t}, d.tables...)
		m.Tables = append([]tableMeta{{Num: t.num, Props: t.props()}}, m.Tables...)
	}

	logNum := d.nextFile()
	m.LastSequence = uint64(maxSeq)
	m.MinLogNumber = logNum
	m.NextFileNum = d.nextFileNum.Load()
	if err := writeManifest(d.dir, m); err != nil {
		return err
	}
	d.manifest = m

	for _, num := range replayed {
		d.removeFile(logPath(d.dir, num), "log recovered")
	}

	w, err := wal.Create(logPath(d.dir, logNum), wal.Options{Sync: d.opts.SyncWrites})
	if err != nil {
		return err
	}
	d.active = newMemtable(w, logNum)
	return nil
}

func (d *DB) removeFile(path, reason string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn().Err(err).Str("file", path).Msg("lsm: cannot remove file")
		return
	}
	d.log.Info().Str("file", path).Str("reason", reason).Msg("lsm: removed file")
}
