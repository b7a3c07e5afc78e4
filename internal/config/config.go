// Package config describes how an engine is constructed.
package config

import (
	"errors"
	"fmt"

	"github.com/tarantool/go-option"
	"go.uber.org/multierr"
)

type Mode string

const (
	ModeMemory  Mode = "memory"
	ModeDisk    Mode = "disk"
	ModeLevelDB Mode = "leveldb"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMemory, ModeDisk, ModeLevelDB:
		return m, nil
	default:
		return "", fmt.Errorf("unknown engine mode %q", s)
	}
}

// Config selects and tunes a storage engine.
type Config struct {
	Mode    Mode
	DataDir string

	// Disk engine tuning. Zero values select the engine defaults.
	MemtableSize          int64
	MaxImmutableMemtables int
	CompactionRunCount    option.Generic[int]
	CompactionSizeBytes   option.Generic[int64]
	MaxCompactionInputs   int

	// Shared by the disk and leveldb engines.
	SyncWrites      bool
	BlockSize       int
	BloomBitsPerKey int

	LogLevel string
}

// Option mutates a Config under construction.
type Option func(*Config)

// Default returns an in-memory configuration.
func Default() Config {
	return Config{
		Mode:            ModeMemory,
		BloomBitsPerKey: 10,
		LogLevel:        "info",
	}
}

// New applies opts over Default.
func New(opts ...Option) Config {
	cfg := Default()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func WithMode(m Mode) Option {
	return func(c *Config) { c.Mode = m }
}

func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

func WithMemtableSize(n int64) Option {
	return func(c *Config) { c.MemtableSize = n }
}

func WithMaxImmutableMemtables(n int) Option {
	return func(c *Config) { c.MaxImmutableMemtables = n }
}

// WithCompactionRunCount compacts once n runs are live.
func WithCompactionRunCount(n int) Option {
	return func(c *Config) { c.CompactionRunCount = option.Some(n) }
}

// WithCompactionSizeBytes compacts once live runs total n bytes.
func WithCompactionSizeBytes(n int64) Option {
	return func(c *Config) { c.CompactionSizeBytes = option.Some(n) }
}

func WithMaxCompactionInputs(n int) Option {
	return func(c *Config) { c.MaxCompactionInputs = n }
}

func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

func WithBlockSize(n int) Option {
	return func(c *Config) { c.BlockSize = n }
}

// WithBloomBitsPerKey sizes bloom filters; zero or less disables them.
func WithBloomBitsPerKey(n int) Option {
	return func(c *Config) { c.BloomBitsPerKey = n }
}

func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

var errMissingDataDir = errors.New("data dir is required for on-disk engines")

// Validate reports every problem with c.
func (c Config) Validate() error {
	var err error
	if _, perr := ParseMode(string(c.Mode)); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.Mode != ModeMemory && c.DataDir == "" {
		err = multierr.Append(err, errMissingDataDir)
	}
	if c.MemtableSize < 0 {
		err = multierr.Append(err, fmt.Errorf("memtable size must be positive, got %d", c.MemtableSize))
	}
	if c.MaxImmutableMemtables < 0 {
		err = multierr.Append(err, fmt.Errorf("max immutable memtables must be positive, got %d", c.MaxImmutableMemtables))
	}
	if n, ok := c.CompactionRunCount.Get(); ok && n < 2 {
		err = multierr.Append(err, fmt.Errorf("compaction run count must be at least 2, got %d", n))
	}
	if n, ok := c.CompactionSizeBytes.Get(); ok && n <= 0 {
		err = multierr.Append(err, fmt.Errorf("compaction size must be positive, got %d", n))
	}
	if c.MaxCompactionInputs != 0 && c.MaxCompactionInputs < 2 {
		err = multierr.Append(err, fmt.Errorf("max compaction inputs must be at least 2, got %d", c.MaxCompactionInputs))
	}
	if c.BlockSize < 0 {
		err = multierr.Append(err, fmt.Errorf("block size must be positive, got %d", c.BlockSize))
	}
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error", "fatal":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return err
}
