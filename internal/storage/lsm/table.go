package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/sstable"
)

type fileType int

const (
	fileUnknown fileType = iota
	fileLog
	fileTable
	fileQuarantine
	fileTemp
)

func logPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", num))
}

func tablePath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

func quarantinePath(dir string, num uint64) string {
	return tablePath(dir, num) + ".quarantine"
}

// parseFileName classifies a directory entry written by the DB.
func parseFileName(name string) (fileType, uint64) {
	if strings.HasSuffix(name, ".tmp") {
		return fileTemp, 0
	}
	typ := fileUnknown
	base := name
	switch {
	case strings.HasSuffix(name, ".sst.quarantine"):
		typ, base = fileQuarantine, strings.TrimSuffix(name, ".sst.quarantine")
	case strings.HasSuffix(name, ".sst"):
		typ, base = fileTable, strings.TrimSuffix(name, ".sst")
	case strings.HasSuffix(name, ".wal"):
		typ, base = fileLog, strings.TrimSuffix(name, ".wal")
	}
	if typ == fileUnknown {
		return fileUnknown, 0
	}
	num, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return fileUnknown, 0
	}
	return typ, num
}

// table is a live sorted run shared between the DB state, readers and
// compactions. The DB holds one reference while the table is live; the file
// is closed when the last reference goes, and deleted too if the table was
// made obsolete by a compaction.
type table struct {
	num      uint64
	r        *sstable.Reader
	p        sstable.Properties
	refs     atomic.Int32
	obsolete atomic.Bool
}

func openTable(dir string, num uint64) (*table, error) {
	r, err := sstable.Open(tablePath(dir, num))
	if err != nil {
		return nil, err
	}
	t := &table{num: num, r: r, p: r.Properties()}
	t.refs.Store(1)
	return t, nil
}

func (t *table) props() sstable.Properties {
	return t.p
}

func (t *table) ref() {
	t.refs.Add(1)
}

func (t *table) unref() error {
	if t.refs.Add(-1) > 0 {
		return nil
	}
	err := t.r.Close()
	if t.obsolete.Load() {
		if rerr := os.Remove(t.r.Path()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = storage.NewIOError("remove table", t.r.Path(), rerr)
		}
	}
	return err
}

func refAll(tables []*table) {
	for _, t := range tables {
		t.ref()
	}
}

func unrefAll(tables []*table) error {
	var err error
	for _, t := range tables {
		err = multierr.Append(err, t.unref())
	}
	return err
}
