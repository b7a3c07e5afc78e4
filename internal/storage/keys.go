package storage

import "bytes"

// Compare is the canonical key ordering: unsigned byte-wise lexicographic,
// with a proper prefix sorting before the longer key.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// InRange reports whether start <= key < end. A nil end is unbounded.
func InRange(key, start, end []byte) bool {
	if bytes.Compare(key, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(key, end) < 0
}

// PastEnd reports whether key is at or beyond the exclusive upper bound end.
func PastEnd(key, end []byte) bool {
	return end != nil && bytes.Compare(key, end) >= 0
}

// EmptyRange reports whether [start, end) can contain no key.
func EmptyRange(start, end []byte) bool {
	return end != nil && bytes.Compare(start, end) >= 0
}

// Clone returns an owned copy of b. A nil input stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// CloneValue is like Clone but never returns nil, so an empty value stays
// distinguishable from absence.
func CloneValue(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
