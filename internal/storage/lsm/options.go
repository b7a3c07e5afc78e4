package lsm

import (
	"time"

	plog "github.com/phuslu/log"
	"github.com/tarantool/go-option"

	"github.com/myuser/strata/internal/log"
	"github.com/myuser/strata/internal/storage/sstable"
)

const (
	DefaultMemtableSize          = 4 << 20
	DefaultMaxImmutableMemtables = 2
	DefaultCompactionRunCount    = 4
	DefaultMaxCompactionInputs   = 8

	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 5 * time.Second

	// tierRatio bounds how much larger an older run may be than the newer
	// runs it is merged with under the size trigger.
	tierRatio = 1.5
)

// Options configures a DB. The zero value is usable.
type Options struct {
	// MemtableSize is the approximate size at which the active memtable is
	// sealed and queued for flushing.
	MemtableSize int64

	// MaxImmutableMemtables bounds the sealed memtables awaiting a flush.
	// Writers block while the bound is reached.
	MaxImmutableMemtables int

	// CompactionRunCount triggers a compaction once this many runs are live.
	CompactionRunCount option.Generic[int]
	// CompactionSizeBytes enables size-tiered compaction once live runs reach
	// this total size: runs of similar size are merged, newest first. If
	// neither trigger is set, CompactionRunCount defaults to
	// DefaultCompactionRunCount.
	CompactionSizeBytes option.Generic[int64]
	// MaxCompactionInputs bounds the runs merged by one compaction.
	MaxCompactionInputs int

	// SyncWrites fsyncs the write-ahead log on every mutation.
	SyncWrites bool

	BlockSize int
	// BloomBitsPerKey sizes table bloom filters. Zero selects the default,
	// a negative value disables them.
	BloomBitsPerKey int

	// Logger defaults to log.MainLogger.
	Logger *plog.Logger
}

func (o Options) withDefaults() Options {
	if o.MemtableSize <= 0 {
		o.MemtableSize = DefaultMemtableSize
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = DefaultMaxImmutableMemtables
	}
	if !o.CompactionRunCount.IsSome() && !o.CompactionSizeBytes.IsSome() {
		o.CompactionRunCount = option.Some(DefaultCompactionRunCount)
	}
	if o.MaxCompactionInputs < 2 {
		o.MaxCompactionInputs = DefaultMaxCompactionInputs
	}
	if o.BlockSize <= 0 {
		o.BlockSize = sstable.DefaultBlockSize
	}
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = sstable.DefaultBloomBitsPerKey
	}
	if o.Logger == nil {
		o.Logger = log.MainLogger
	}
	return o
}

func (o Options) tableOptions() sstable.Options {
	bits := o.BloomBitsPerKey
	if bits < 0 {
		bits = 0
	}
	return sstable.Options{BlockSize: o.BlockSize, BloomBitsPerKey: bits}
}
