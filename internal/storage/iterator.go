package storage

// SliceIterator walks a materialized, already ordered slice of pairs.
type SliceIterator struct {
	kvs []KV
	pos int
}

// NewSliceIterator takes ownership of kvs.
func NewSliceIterator(kvs []KV) *SliceIterator {
	return &SliceIterator{kvs: kvs, pos: -1}
}

// EmptyIterator returns an iterator that yields nothing.
func EmptyIterator() Iterator {
	return NewSliceIterator(nil)
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.kvs) {
		it.pos = len(it.kvs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.kvs) {
		return nil
	}
	return it.kvs[it.pos].Key
}

func (it *SliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.kvs) {
		return nil
	}
	return it.kvs[it.pos].Value
}

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error {
	it.kvs = nil
	it.pos = 0
	return nil
}

// ScanFunc iterates over [start, end) calling handler for each pair.
// If handler returns false, iteration stops.
func ScanFunc(e Engine, start, end []byte, handler func(key, value []byte) bool) error {
	it, err := e.Scan(start, end)
	if err != nil {
		return err
	}
	for it.Next() {
		if !handler(it.Key(), it.Value()) {
			break
		}
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]KV, error) {
	var out []KV
	for it.Next() {
		out = append(out, KV{Key: it.Key(), Value: it.Value()})
	}
	if err := it.Err(); err != nil {
		it.Close()
		return out, err
	}
	return out, it.Close()
}
