// Package engine constructs storage engines from a config.Config.
package engine

import (
	"fmt"
	"time"

	"github.com/myuser/strata/internal/config"
	"github.com/myuser/strata/internal/log"
	"github.com/myuser/strata/internal/metrics"
	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/leveldb"
	"github.com/myuser/strata/internal/storage/lsm"
)

// Open validates cfg and opens the engine it selects. The returned engine
// records operation metrics.
func Open(cfg config.Config) (storage.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LogLevel != "" {
		log.SetLevel(cfg.LogLevel)
	}

	var (
		e   storage.Engine
		err error
	)
	switch cfg.Mode {
	case config.ModeMemory:
		e = storage.NewMemoryStore()
	case config.ModeDisk:
		e, err = lsm.Open(cfg.DataDir, lsm.Options{
			MemtableSize:          cfg.MemtableSize,
			MaxImmutableMemtables: cfg.MaxImmutableMemtables,
			CompactionRunCount:    cfg.CompactionRunCount,
			CompactionSizeBytes:   cfg.CompactionSizeBytes,
			MaxCompactionInputs:   cfg.MaxCompactionInputs,
			SyncWrites:            cfg.SyncWrites,
			BlockSize:             cfg.BlockSize,
			BloomBitsPerKey:       bloomBits(cfg.BloomBitsPerKey),
		})
	case config.ModeLevelDB:
		e, err = leveldb.Open(cfg.DataDir, leveldb.Options{
			SyncWrites:      cfg.SyncWrites,
			BlockSize:       cfg.BlockSize,
			BloomBitsPerKey: cfg.BloomBitsPerKey,
		})
	}
	if err != nil {
		return nil, err
	}

	log.MainLogger.Info().Str("mode", string(cfg.Mode)).Str("dir", cfg.DataDir).Msg("engine: opened")
	return Instrument(string(cfg.Mode), e), nil
}

// bloomBits maps the config convention (zero disables) onto the disk
// engine's (zero selects the default, negative disables).
func bloomBits(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// Instrument wraps e so every call is counted and timed under name.
func Instrument(name string, e storage.Engine) storage.Engine {
	return &instrumented{name: name, e: e}
}

// Unwrap returns the engine behind an instrumented one.
func Unwrap(e storage.Engine) storage.Engine {
	if i, ok := e.(*instrumented); ok {
		return i.e
	}
	return e
}

type instrumented struct {
	name string
	e    storage.Engine
}

func (i *instrumented) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := i.e.Get(key)
	metrics.Observe(i.name, "get", start, err)
	return value, found, err
}

func (i *instrumented) Put(key, value []byte) error {
	start := time.Now()
	err := i.e.Put(key, value)
	metrics.Observe(i.name, "put", start, err)
	return err
}

func (i *instrumented) Delete(key []byte) error {
	start := time.Now()
	err := i.e.Delete(key)
	metrics.Observe(i.name, "delete", start, err)
	return err
}

func (i *instrumented) Scan(start, end []byte) (storage.Iterator, error) {
	begin := time.Now()
	it, err := i.e.Scan(start, end)
	metrics.Observe(i.name, "scan", begin, err)
	return it, err
}

func (i *instrumented) Close() error {
	start := time.Now()
	err := i.e.Close()
	metrics.Observe(i.name, "close", start, err)
	return err
}
