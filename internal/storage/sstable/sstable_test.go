package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/strata/internal/storage"
)

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%05d", i))
}

// buildTable writes n entries; every fifth one is a tombstone.
func buildTable(t *testing.T, n int, opts Options) (string, Properties) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := Create(path, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		e := storage.Entry{Key: key(i), Value: []byte(fmt.Sprintf("value-%d", i)), Seq: storage.Sequence(i + 1), Kind: storage.KindPut}
		if i%5 == 4 {
			e.Kind = storage.KindDelete
			e.Value = nil
		}
		require.NoError(t, w.Add(e))
	}
	props, err := w.Finish()
	require.NoError(t, err)
	return path, props
}

func collect(t *testing.T, it *Iterator) []storage.Entry {
	t.Helper()

	var out []storage.Entry
	for it.Next() {
		e := it.Entry()
		e.Key = storage.Clone(e.Key)
		e.Value = storage.Clone(e.Value)
		out = append(out, e)
	}
	require.NoError(t, it.Close())
	return out
}

func TestTable_Get(t *testing.T) {
	path, props := buildTable(t, 1000, Options{BlockSize: 512, BloomBitsPerKey: DefaultBloomBitsPerKey})
	assert.Equal(t, uint64(1000), props.Entries)
	assert.Equal(t, uint64(200), props.Tombstones)
	assert.Equal(t, key(0), props.Smallest)
	assert.Equal(t, key(999), props.Largest)
	assert.Greater(t, props.Blocks, uint32(1))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, props, r.Properties())

	for _, i := range []int{0, 1, 4, 511, 998, 999} {
		e, ok, err := r.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, storage.Sequence(i+1), e.Seq)
		if i%5 == 4 {
			assert.True(t, e.Tombstone())
		} else {
			assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), e.Value)
		}
	}

	for _, k := range []string{"", "key-", "key-00000x", "key-01000", "zzz"} {
		_, ok, err := r.Get([]byte(k))
		require.NoError(t, err)
		assert.False(t, ok, "key %q", k)
	}
}

func TestTable_NoBloom(t *testing.T) {
	path, _ := buildTable(t, 50, Options{BloomBitsPerKey: 0})
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Nil(t, r.bloom)
	_, ok, err := r.Get(key(7))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTable_Iterator(t *testing.T) {
	path, _ := buildTable(t, 300, Options{BlockSize: 256})
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	all := collect(t, r.NewIterator(nil, nil))
	require.Len(t, all, 300)
	for i, e := range all {
		assert.Equal(t, key(i), e.Key)
	}

	sub := collect(t, r.NewIterator(key(42), key(97)))
	require.Len(t, sub, 55)
	assert.Equal(t, key(42), sub[0].Key)
	assert.Equal(t, key(96), sub[len(sub)-1].Key)

	// Bounds that fall between keys.
	sub = collect(t, r.NewIterator([]byte("key-00041x"), []byte("key-00044x")))
	require.Len(t, sub, 3)
	assert.Equal(t, key(42), sub[0].Key)

	assert.Empty(t, collect(t, r.NewIterator(key(10), key(10))))
	assert.Empty(t, collect(t, r.NewIterator(key(20), key(10))))
	assert.Empty(t, collect(t, r.NewIterator([]byte("zzz"), nil)))
	assert.Empty(t, collect(t, r.NewIterator(nil, []byte("a"))))
}

func TestTable_Empty(t *testing.T) {
	path, props := buildTable(t, 0, Options{})
	assert.Zero(t, props.Entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Get([]byte("any"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, collect(t, r.NewIterator(nil, nil)))
}

func TestTable_EmptyValueAndKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(storage.Entry{Key: []byte{}, Value: []byte("empty key"), Seq: 1, Kind: storage.KindPut}))
	require.NoError(t, w.Add(storage.Entry{Key: []byte("a"), Value: []byte{}, Seq: 2, Kind: storage.KindPut}))
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	e, ok, err := r.Get([]byte{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("empty key"), e.Value)

	e, ok, err = r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, e.Value)
	assert.Empty(t, e.Value)
}

func TestWriter_OutOfOrder(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "000001.sst"), Options{})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(storage.Entry{Key: []byte("b"), Value: []byte("1"), Seq: 1, Kind: storage.KindPut}))
	assert.Error(t, w.Add(storage.Entry{Key: []byte("a"), Value: []byte("2"), Seq: 2, Kind: storage.KindPut}))
	assert.Error(t, w.Add(storage.Entry{Key: []byte("b"), Value: []byte("3"), Seq: 3, Kind: storage.KindPut}))
}

func TestWriter_Abort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	w, err := Create(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(storage.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: storage.KindPut}))
	require.NoError(t, w.Abort())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestTable_Corruption(t *testing.T) {
	cases := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)-10] }},
		{"tiny", func(b []byte) []byte { return b[:10] }},
		{"bad magic", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{"footer checksum", func(b []byte) []byte { b[len(b)-footerSize] ^= 0xff; return b }},
		{"index section", func(b []byte) []byte {
			ft, err := decodeFooter(b[len(b)-footerSize:], int64(len(b)))
			if err != nil {
				panic(err)
			}
			b[ft.index.offset] ^= 0xff
			return b
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path, _ := buildTable(t, 100, Options{})
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tc.mangle(data), 0644))

			_, err = Open(path)
			assert.True(t, storage.IsCorruption(err), "got %v", err)
		})
	}
}

func TestTable_CorruptDataBlock(t *testing.T) {
	path, _ := buildTable(t, 100, Options{})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// The first data block starts at offset zero.
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	// Metadata is intact so the table opens; reading the block fails.
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Get(key(0))
	assert.True(t, storage.IsCorruption(err), "got %v", err)

	it := r.NewIterator(nil, nil)
	assert.False(t, it.Next())
	assert.True(t, storage.IsCorruption(it.Err()), "got %v", it.Err())
}

func TestTable_IndexHandleOutOfBounds(t *testing.T) {
	path, _ := buildTable(t, 100, Options{})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ft, err := decodeFooter(data[len(data)-footerSize:], int64(len(data)))
	require.NoError(t, err)

	section := func(h handle) []byte {
		payload, err := unseal(data[h.offset : h.offset+h.length])
		require.NoError(t, err)
		return payload
	}
	idx, err := decodeIndex(section(ft.index), ft.index.offset)
	require.NoError(t, err)
	require.NotEmpty(t, idx)
	idx[0].length = 1 << 40

	// Rebuild the table around the bad index with valid checksums.
	out := append([]byte(nil), data[:ft.index.offset]...)
	add := func(payload []byte) handle {
		stored := seal(append([]byte(nil), payload...))
		h := handle{offset: uint64(len(out)), length: uint64(len(stored))}
		out = append(out, stored...)
		return h
	}
	var nft footer
	nft.index = add(encodeIndex(idx))
	nft.props = add(section(ft.props))
	nft.bloom = add(section(ft.bloom))
	out = append(out, nft.encode()...)
	require.NoError(t, os.WriteFile(path, out, 0644))

	_, err = Open(path)
	assert.True(t, storage.IsCorruption(err), "got %v", err)

	_, err = decodeIndex(encodeIndex([]indexEntry{{lastKey: []byte("k"), handle: handle{offset: 90, length: 20}}}), 100)
	assert.Error(t, err)
	_, err = decodeIndex(encodeIndex([]indexEntry{{lastKey: []byte("k"), handle: handle{offset: 80, length: 20}}}), 100)
	assert.NoError(t, err)
}

func TestTable_OpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.sst"))
	assert.True(t, storage.IsIO(err), "got %v", err)
}

func TestBloomFilter(t *testing.T) {
	var hashes []uint64
	for i := 0; i < 1000; i++ {
		hashes = append(hashes, bloomHash(key(i)))
	}
	f := decodeBloomFilter(newBloomFilter(hashes, 10).encode())
	require.NotNil(t, f)

	for i := 0; i < 1000; i++ {
		assert.True(t, f.mayContain(key(i)))
	}
	falsePositives := 0
	for i := 1000; i < 11000; i++ {
		if f.mayContain(key(i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 500, "false positive rate too high")

	assert.Nil(t, newBloomFilter(nil, 10))
	assert.Nil(t, decodeBloomFilter(nil))
	var none *bloomFilter
	assert.True(t, none.mayContain([]byte("x")))
}
