package storage

// Engine defines the interface for a local storage engine.
// Every variant (memory, lsm, leveldb) implements it and callers should only
// ever hold an Engine.
//
// All methods are safe for concurrent use. Mutations are serialized inside the
// engine; reads run in parallel with each other and with writes outside of a
// brief critical section. Keys and values passed in are copied, and every
// byte slice returned is owned by the caller.
//
// Values have no size limit, but very large values make flushes and
// compactions proportionally slower.
type Engine interface {
	// Get returns the latest live value for key.
	// found is false when the key has no live entry; that is not an error.
	// err is only set for IO or corruption faults.
	Get(key []byte) (value []byte, found bool, err error)

	// Put inserts or overwrites key. Readers never observe a partial value.
	Put(key, value []byte) error

	// Delete marks key absent. Deleting an absent key is a no-op.
	Delete(key []byte) error

	// Scan iterates live entries with start <= key < end in ascending order.
	// A nil end means no upper bound. start >= end yields an empty iterator.
	// The iterator reflects the engine state at the time of the call.
	Scan(start, end []byte) (Iterator, error)

	// Close releases the engine, flushing any buffered state.
	Close() error
}

// Iterator is a lazy, finite, single-use cursor over key-value pairs.
//
// An Iterator is not safe for concurrent use, but it may be handed to a
// different goroutine than the one that created it. Key and Value are valid
// until the next call to Next and may be retained by the caller.
type Iterator interface {
	// Next advances to the next pair and reports whether there is one.
	Next() bool
	Key() []byte
	Value() []byte
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources held by the iterator. It is safe to call twice.
	Close() error
}

// KV is an owned key-value pair.
type KV struct {
	Key   []byte
	Value []byte
}
