// Package storagetest holds the behavioural suite every storage.Engine
// implementation must pass.
package storagetest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/strata/internal/storage"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t *testing.T) storage.Engine

// RunEngineSuite runs the contract tests against engines produced by open.
func RunEngineSuite(t *testing.T, open Opener) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"GetAbsent", testGetAbsent},
		{"LastWriteWins", testLastWriteWins},
		{"DeleteThenGet", testDeleteThenGet},
		{"DeleteAbsent", testDeleteAbsent},
		{"EmptyValue", testEmptyValue},
		{"ScanOrderAndBounds", testScanOrderAndBounds},
		{"ScanSkipsDeleted", testScanSkipsDeleted},
		{"ScanEmptyRange", testScanEmptyRange},
		{"ScanNilEnd", testScanNilEnd},
		{"ScanIsolation", testScanIsolation},
		{"Idempotence", testIdempotence},
		{"OwnedCopies", testOwnedCopies},
		{"BinaryKeys", testBinaryKeys},
		{"ConcurrentSameKey", testConcurrentSameKey},
		{"ConcurrentReadWrite", testConcurrentReadWrite},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := open(t)
			defer e.Close()
			tc.fn(t, e)
		})
	}

	t.Run("Closed", func(t *testing.T) {
		e := open(t)
		require.NoError(t, e.Put([]byte("k"), []byte("v")))
		require.NoError(t, e.Close())

		_, _, err := e.Get([]byte("k"))
		assert.ErrorIs(t, err, storage.ErrClosed)
		assert.ErrorIs(t, e.Put([]byte("k"), []byte("v")), storage.ErrClosed)
		assert.ErrorIs(t, e.Delete([]byte("k")), storage.ErrClosed)
		_, err = e.Scan(nil, nil)
		assert.ErrorIs(t, err, storage.ErrClosed)
		assert.NoError(t, e.Close(), "second close is a no-op")
	})
}

// Keys drains a scan into the list of keys it produced.
func Keys(t *testing.T, e storage.Engine, start, end []byte) []string {
	t.Helper()

	kvs := Scan(t, e, start, end)
	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys
}

// Scan drains a scan over [start, end).
func Scan(t *testing.T, e storage.Engine, start, end []byte) []storage.KV {
	t.Helper()

	it, err := e.Scan(start, end)
	require.NoError(t, err)
	kvs, err := storage.Collect(it)
	require.NoError(t, err)
	return kvs
}

// MustGet asserts key is live and returns its value.
func MustGet(t *testing.T, e storage.Engine, key string) string {
	t.Helper()

	v, found, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, found, "key %q should be present", key)
	return string(v)
}

// MustBeAbsent asserts key has no live entry.
func MustBeAbsent(t *testing.T, e storage.Engine, key string) {
	t.Helper()

	v, found, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.False(t, found, "key %q should be absent, got %q", key, v)
}

func testGetAbsent(t *testing.T, e storage.Engine) {
	MustBeAbsent(t, e, "never-written")
	MustBeAbsent(t, e, "")
}

func testLastWriteWins(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	assert.Equal(t, "v2", MustGet(t, e, "k"))
}

func testDeleteThenGet(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	MustBeAbsent(t, e, "k")

	require.NoError(t, e.Put([]byte("k"), []byte("again")))
	assert.Equal(t, "again", MustGet(t, e, "k"))
}

func testDeleteAbsent(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Delete([]byte("ghost")))
	MustBeAbsent(t, e, "ghost")
	assert.Empty(t, Keys(t, e, nil, nil))
}

func testEmptyValue(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("empty"), []byte{}))

	v, found, err := e.Get([]byte("empty"))
	require.NoError(t, err)
	assert.True(t, found, "empty value is not absence")
	assert.Empty(t, v)
}

func testScanOrderAndBounds(t *testing.T, e storage.Engine) {
	for _, k := range []string{"d", "a", "c", "ab", "b", "e", "a\x00"} {
		require.NoError(t, e.Put([]byte(k), []byte("v-"+k)))
	}

	assert.Equal(t, []string{"a", "a\x00", "ab", "b", "c", "d", "e"}, Keys(t, e, []byte(""), []byte("z")))
	assert.Equal(t, []string{"ab", "b", "c"}, Keys(t, e, []byte("ab"), []byte("d")))
	assert.Equal(t, []string{"a", "a\x00"}, Keys(t, e, []byte("a"), []byte("ab")))

	kvs := Scan(t, e, []byte("c"), []byte("e"))
	require.Len(t, kvs, 2)
	assert.Equal(t, "v-c", string(kvs[0].Value))
	assert.Equal(t, "v-d", string(kvs[1].Value))
}

func testScanSkipsDeleted(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Delete([]byte("a")))

	kvs := Scan(t, e, []byte(""), []byte("z"))
	require.Len(t, kvs, 1)
	assert.Equal(t, "b", string(kvs[0].Key))
	assert.Equal(t, "2", string(kvs[0].Value))
}

func testScanEmptyRange(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("m"), []byte("1")))

	assert.Empty(t, Keys(t, e, []byte("m"), []byte("m")))
	assert.Empty(t, Keys(t, e, []byte("z"), []byte("a")))
	assert.Empty(t, Keys(t, e, nil, []byte{}))
}

func testScanNilEnd(t *testing.T, e storage.Engine) {
	for _, k := range []string{"x", "y", "\xff\xff"} {
		require.NoError(t, e.Put([]byte(k), []byte("1")))
	}
	assert.Equal(t, []string{"y", "\xff\xff"}, Keys(t, e, []byte("y"), nil))
}

func testScanIsolation(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	it, err := e.Scan(nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("a"), []byte("changed")))
	require.NoError(t, e.Delete([]byte("b")))
	require.NoError(t, e.Put([]byte("c"), []byte("3")))

	kvs, err := storage.Collect(it)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, storage.KV{Key: []byte("a"), Value: []byte("1")}, kvs[0])
	assert.Equal(t, storage.KV{Key: []byte("b"), Value: []byte("2")}, kvs[1])
}

func testIdempotence(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	assert.Equal(t, "v", MustGet(t, e, "k"))
	assert.Equal(t, []string{"k"}, Keys(t, e, nil, nil))

	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Delete([]byte("k")))
	MustBeAbsent(t, e, "k")
	assert.Empty(t, Keys(t, e, nil, nil))
}

func testOwnedCopies(t *testing.T, e storage.Engine) {
	key := []byte("key")
	val := []byte("value")
	require.NoError(t, e.Put(key, val))

	key[0], val[0] = 'X', 'X'
	assert.Equal(t, "value", MustGet(t, e, "key"))

	got, _, err := e.Get([]byte("key"))
	require.NoError(t, err)
	got[0] = 'Y'
	assert.Equal(t, "value", MustGet(t, e, "key"))

	kvs := Scan(t, e, nil, nil)
	require.Len(t, kvs, 1)
	kvs[0].Value[0] = 'Z'
	assert.Equal(t, "value", MustGet(t, e, "key"))
}

func testBinaryKeys(t *testing.T, e storage.Engine) {
	keys := [][]byte{{0x00}, {0x00, 0x00}, {0x7f}, {0x80}, {0xff}, {0xff, 0x00}}
	for i := len(keys) - 1; i >= 0; i-- {
		require.NoError(t, e.Put(keys[i], []byte{byte(i)}))
	}

	kvs := Scan(t, e, nil, nil)
	require.Len(t, kvs, len(keys))
	for i, kv := range kvs {
		assert.Equal(t, keys[i], kv.Key)
		assert.Equal(t, []byte{byte(i)}, kv.Value)
	}
}

func testConcurrentSameKey(t *testing.T, e storage.Engine) {
	x := []byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
	y := []byte("yyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyy")

	for round := 0; round < 50; round++ {
		var g errgroup.Group
		g.Go(func() error { return e.Put([]byte("k"), x) })
		g.Go(func() error { return e.Put([]byte("k"), y) })
		require.NoError(t, g.Wait())

		first := MustGet(t, e, "k")
		require.Contains(t, []string{string(x), string(y)}, first)
		for i := 0; i < 3; i++ {
			require.Equal(t, first, MustGet(t, e, "k"), "value must be stable without writes")
		}
	}
}

func testConcurrentReadWrite(t *testing.T, e storage.Engine) {
	const (
		writers = 4
		perKey  = 200
	)

	var writes errgroup.Group
	for w := 0; w < writers; w++ {
		writes.Go(func() error {
			for i := 0; i < perKey; i++ {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				if err := e.Put(key, key); err != nil {
					return err
				}
				if i%3 == 0 {
					if err := e.Delete(key); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	stop := make(chan struct{})
	var reads errgroup.Group
	reads.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			if err := checkScan(e); err != nil {
				return err
			}
		}
	})

	require.NoError(t, writes.Wait())
	close(stop)
	require.NoError(t, reads.Wait())

	for w := 0; w < writers; w++ {
		for i := 0; i < perKey; i++ {
			key := fmt.Sprintf("w%d-%04d", w, i)
			if i%3 == 0 {
				MustBeAbsent(t, e, key)
			} else {
				assert.Equal(t, key, MustGet(t, e, key))
			}
		}
	}
}

// checkScan verifies a full scan is ordered and every value matches its key.
func checkScan(e storage.Engine) error {
	it, err := e.Scan(nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	var prev []byte
	for it.Next() {
		if prev != nil && storage.Compare(prev, it.Key()) >= 0 {
			return fmt.Errorf("scan out of order: %q then %q", prev, it.Key())
		}
		if string(it.Key()) != string(it.Value()) {
			return fmt.Errorf("torn value for %q: %q", it.Key(), it.Value())
		}
		prev = it.Key()
	}
	return it.Err()
}
