package storage

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	// ErrNotFound is reserved for operations that require an entry to exist.
	// Get and Scan never return it.
	ErrNotFound = errors.New("not found")

	// ErrIO signals an underlying device fault. Retrying may succeed.
	ErrIO = errors.New("io error")

	// ErrCorruption signals a failed integrity check. It is not retryable.
	ErrCorruption = errors.New("corruption")

	// ErrClosed is returned by every operation on a closed engine.
	ErrClosed = errors.New("storage engine closed")
)

// Error is a classified storage failure.
type Error struct {
	Op   string
	Path string
	Err  error

	kind error
}

func (e *Error) Error() string {
	msg := e.kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind as well as anything in the wrapped chain.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// Kind returns the sentinel this error is classified as.
func (e *Error) Kind() error {
	return e.kind
}

// NewIOError classifies err as an IO fault.
func NewIOError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err, kind: ErrIO}
}

// NewCorruptionError classifies err as an integrity violation.
func NewCorruptionError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err, kind: ErrCorruption}
}

// Corruptf builds a corruption error from a format string.
func Corruptf(op, path, format string, args ...any) error {
	return NewCorruptionError(op, path, fmt.Errorf(format, args...))
}

// NewNotFoundError reports a missing entry for operations that need one.
func NewNotFoundError(op string, key []byte) error {
	return &Error{Op: op, Err: fmt.Errorf("key %q", key), kind: ErrNotFound}
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsIO(err error) bool         { return errors.Is(err, ErrIO) }
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// AsIO classifies an unclassified error as IO. Errors that already carry a
// kind pass through untouched.
func AsIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || errors.Is(err, ErrClosed) {
		return err
	}
	return NewIOError(op, path, err)
}
