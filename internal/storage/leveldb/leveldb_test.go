package leveldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.RunEngineSuite(t, func(t *testing.T) storage.Engine {
		s, err := Open(t.TempDir(), Options{BloomBitsPerKey: 10})
		require.NoError(t, err)
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Delete([]byte("a")))
	require.NoError(t, s.Close())

	s, err = Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	storagetest.MustBeAbsent(t, s, "a")
	assert.Equal(t, "2", storagetest.MustGet(t, s, "b"))
	assert.Equal(t, []string{"b"}, storagetest.Keys(t, s, []byte(""), []byte("z")))
}

func TestStore_Locked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, Options{})
	assert.True(t, storage.IsIO(err), "got %v", err)
}
