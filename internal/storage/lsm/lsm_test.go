package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	plog "github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarantool/go-option"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/storagetest"
)

func testOptions() Options {
	return Options{
		Logger:             &plog.Logger{Level: plog.ErrorLevel, Writer: &plog.IOWriter{Writer: io.Discard}},
		CompactionRunCount: option.Some(100),
	}
}

func openDB(t *testing.T, dir string, opts Options) *DB {
	t.Helper()

	db, err := Open(dir, opts)
	require.NoError(t, err)
	return db
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%05d", i))
}

func value(i, version int) []byte {
	return []byte(fmt.Sprintf("value-%d-v%d", i, version))
}

func sstFiles(t *testing.T, dir, suffix string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, de := range entries {
		if strings.HasSuffix(de.Name(), suffix) {
			out = append(out, de.Name())
		}
	}
	return out
}

// copyDir snapshots a database directory, which is what a crash leaves.
func copyDir(t *testing.T, src string) string {
	t.Helper()

	dst := t.TempDir()
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, de := range entries {
		data, err := os.ReadFile(filepath.Join(src, de.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, de.Name()), data, 0644))
	}
	return dst
}

func TestDB_Contract(t *testing.T) {
	storagetest.RunEngineSuite(t, func(t *testing.T) storage.Engine {
		opts := testOptions()
		opts.MemtableSize = 4 << 10
		opts.CompactionRunCount = option.Some(3)
		return openDB(t, t.TempDir(), opts)
	})
}

func TestDB_ScenarioAcrossFlush(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("a")))

	kvs := storagetest.Scan(t, db, []byte(""), []byte("z"))
	require.Len(t, kvs, 1)
	assert.Equal(t, "b", string(kvs[0].Key))
	assert.Equal(t, "2", string(kvs[0].Value))
	storagetest.MustBeAbsent(t, db, "a")
}

func TestDB_Reopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSize = 8 << 10

	db := openDB(t, dir, opts)
	for i := 0; i < 1000; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	for i := 0; i < 1000; i += 3 {
		require.NoError(t, db.Delete(key(i)))
	}
	lastSeq := db.Stats().LastSequence
	require.NoError(t, db.Close())

	db = openDB(t, dir, opts)
	defer db.Close()

	assert.Equal(t, lastSeq, db.Stats().LastSequence)
	assert.Positive(t, db.Stats().Runs)
	for i := 0; i < 1000; i++ {
		got, ok, err := db.Get(key(i))
		require.NoError(t, err)
		if i%3 == 0 {
			assert.False(t, ok, "key %d", i)
			continue
		}
		require.True(t, ok, "key %d", i)
		assert.Equal(t, value(i, 1), got)
	}

	// New writes are ordered after everything recovered.
	require.NoError(t, db.Put(key(0), value(0, 2)))
	assert.Greater(t, db.Stats().LastSequence, lastSeq)
	assert.Equal(t, string(value(0, 2)), storagetest.MustGet(t, db, string(key(0))))
}

func TestDB_CrashRecovery(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Put([]byte("empty"), []byte{}))
	require.NoError(t, db.Delete([]byte("a")))

	crashed := copyDir(t, dir)
	recovered := openDB(t, crashed, testOptions())
	defer recovered.Close()

	storagetest.MustBeAbsent(t, recovered, "a")
	assert.Equal(t, "2", storagetest.MustGet(t, recovered, "b"))
	got, ok, err := recovered.Get([]byte("empty"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	assert.Equal(t, []string{"b", "empty"}, storagetest.Keys(t, recovered, nil, nil))
	assert.Empty(t, sstFiles(t, crashed, ".wal")[1:], "replayed logs are removed")
}

func TestDB_TornLogTail(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	crashed := copyDir(t, dir)

	logs := sstFiles(t, crashed, ".wal")
	require.Len(t, logs, 1)
	path := filepath.Join(crashed, logs[0])
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	// A valid frame header promising more bytes than were written.
	hdr := binary.BigEndian.AppendUint32(nil, 256)
	hdr = binary.BigEndian.AppendUint32(hdr, crc32.ChecksumIEEE(hdr))
	_, err = f.Write(append(hdr, 0x84, 0xa1))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered := openDB(t, crashed, testOptions())
	defer recovered.Close()
	assert.Len(t, storagetest.Keys(t, recovered, nil, nil), 10)
}

func TestDB_CorruptLog(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	crashed := copyDir(t, dir)

	logs := sstFiles(t, crashed, ".wal")
	require.Len(t, logs, 1)
	path := filepath.Join(crashed, logs[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[12] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(crashed, testOptions())
	assert.True(t, storage.IsCorruption(err), "got %v", err)
}

func TestDB_CorruptLogLength(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SyncWrites = true
	db := openDB(t, dir, opts)
	defer db.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	crashed := copyDir(t, dir)

	logs := sstFiles(t, crashed, ".wal")
	require.Len(t, logs, 1)
	path := filepath.Join(crashed, logs[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] = 0x7f
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(crashed, opts)
	assert.True(t, storage.IsCorruption(err), "got %v", err)
	assert.FileExists(t, path, "a log that failed replay is kept")
}

func TestDB_CorruptManifest(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("garbage!"), 0644))
	_, err := Open(dir, testOptions())
	assert.True(t, storage.IsCorruption(err), "got %v", err)
}

func TestDB_RemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000900.sst"), []byte("orphan"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000901.sst.tmp"), []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST.tmp"), []byte("partial"), 0644))

	db = openDB(t, dir, testOptions())
	defer db.Close()

	for _, name := range []string{"000900.sst", "000901.sst.tmp", "MANIFEST.tmp"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.ErrorIs(t, err, os.ErrNotExist, name)
	}
	assert.Equal(t, "v", storagetest.MustGet(t, db, "k"))

	// File numbers continue past anything found on disk.
	assert.Greater(t, db.nextFileNum.Load(), uint64(901))
}

func TestDB_FlushAndCompaction(t *testing.T) {
	opts := testOptions()
	opts.MemtableSize = 2 << 10
	opts.CompactionRunCount = option.Some(3)
	opts.MaxCompactionInputs = 3
	db := openDB(t, t.TempDir(), opts)
	defer db.Close()

	model := make(map[string]string)
	for round := 0; round < 5; round++ {
		for i := 0; i < 300; i++ {
			k := key((i * 7) % 400)
			switch {
			case i%11 == 0:
				require.NoError(t, db.Delete(k))
				delete(model, string(k))
			default:
				v := value(i, round)
				require.NoError(t, db.Put(k, v))
				model[string(k)] = string(v)
			}
		}
	}
	require.NoError(t, db.Flush())

	require.Eventually(t, func() bool {
		return db.Stats().Runs < 3
	}, 10*time.Second, 10*time.Millisecond)

	st := db.Stats()
	assert.Positive(t, st.Flushes)
	assert.Positive(t, st.Compactions)

	for i := 0; i < 400; i++ {
		want, live := model[string(key(i))]
		got, ok, err := db.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, live, ok, "key %d", i)
		if live {
			assert.Equal(t, want, string(got))
		}
	}
	assert.Len(t, storagetest.Keys(t, db, nil, nil), len(model))
}

func TestDB_CompactionSizeTrigger(t *testing.T) {
	opts := testOptions()
	opts.CompactionRunCount = option.Generic[int]{}
	opts.CompactionSizeBytes = option.Some(int64(4 << 10))
	db := openDB(t, t.TempDir(), opts)
	defer db.Close()

	const flushes, perFlush = 40, 50
	for f := 0; f < flushes; f++ {
		for i := 0; i < perFlush; i++ {
			require.NoError(t, db.Put(key(f*perFlush+i), value(i, f)))
		}
		require.NoError(t, db.Flush())
	}
	for {
		did, err := db.compact(false)
		require.NoError(t, err)
		if !did {
			break
		}
	}

	st := db.Stats()
	require.Equal(t, uint64(flushes), st.Flushes)
	assert.Positive(t, st.Compactions)
	assert.Less(t, st.Compactions, st.Flushes)
	// Rewriting every run on each flush would cost about flushes/2 times the
	// flushed bytes.
	assert.Less(t, st.CompactionBytes, 10*st.FlushBytes,
		"compacted %d bytes for %d flushed", st.CompactionBytes, st.FlushBytes)

	assert.Len(t, storagetest.Keys(t, db, nil, nil), flushes*perFlush)
	got, ok, err := db.Get(key(7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value(7, 0), got)
}

func TestDB_CompactAllDropsTombstones(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	require.NoError(t, db.Flush())
	for i := 0; i < 100; i += 2 {
		require.NoError(t, db.Delete(key(i)))
	}
	require.NoError(t, db.Flush())
	require.Equal(t, 2, db.Stats().Runs)

	require.NoError(t, db.CompactAll())
	require.Equal(t, 1, db.Stats().Runs)

	db.mu.RLock()
	props := db.tables[0].props()
	db.mu.RUnlock()
	assert.Equal(t, uint64(50), props.Entries)
	assert.Zero(t, props.Tombstones)

	assert.Len(t, sstFiles(t, dir, ".sst"), 1, "inputs are deleted")
	assert.Len(t, storagetest.Keys(t, db, nil, nil), 50)
}

func TestDB_CompactAllEverythingDeleted(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.CompactAll())

	assert.Zero(t, db.Stats().Runs)
	assert.Empty(t, sstFiles(t, dir, ".sst"))
	storagetest.MustBeAbsent(t, db, "a")
}

func TestDB_ScanSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	defer db.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	require.NoError(t, db.Flush())
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put(key(i), value(i, 2)))
	}
	require.NoError(t, db.Flush())

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.CompactAll())
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put(key(i), value(i, 3)))
	}

	kvs, err := storage.Collect(it)
	require.NoError(t, err)
	require.Len(t, kvs, 50)
	for i, kv := range kvs {
		assert.Equal(t, value(i, 2), kv.Value)
	}
	assert.Len(t, sstFiles(t, dir, ".sst"), 1, "obsolete inputs go once the scan is closed")
}

func TestDB_QuarantineOnRead(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	require.NoError(t, db.Close())

	tables := sstFiles(t, dir, ".sst")
	require.Len(t, tables, 1)
	path := filepath.Join(dir, tables[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	db = openDB(t, dir, testOptions())
	require.Equal(t, 1, db.Stats().Runs, "metadata is intact, the table opens")

	_, _, err = db.Get(key(0))
	require.True(t, storage.IsCorruption(err), "got %v", err)

	st := db.Stats()
	assert.Zero(t, st.Runs)
	assert.Equal(t, 1, st.Quarantined)
	assert.Empty(t, sstFiles(t, dir, ".sst"))
	assert.Len(t, sstFiles(t, dir, ".quarantine"), 1)

	// The engine keeps serving without the bad run.
	_, ok, err := db.Get(key(0))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, db.Put([]byte("new"), []byte("v")))
	require.NoError(t, db.Close())

	db = openDB(t, dir, testOptions())
	defer db.Close()
	assert.Equal(t, 1, db.Stats().Quarantined)
	assert.Equal(t, "v", storagetest.MustGet(t, db, "new"))
	assert.Len(t, sstFiles(t, dir, ".quarantine"), 1)
}

func TestDB_QuarantineOnScan(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put(key(i), value(i, 1)))
	}
	require.NoError(t, db.Close())

	tables := sstFiles(t, dir, ".sst")
	require.Len(t, tables, 1)
	path := filepath.Join(dir, tables[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	db = openDB(t, dir, testOptions())
	defer db.Close()

	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	_, err = storage.Collect(it)
	require.True(t, storage.IsCorruption(err), "got %v", err)
	assert.Equal(t, 1, db.Stats().Quarantined)
}

func TestDB_QuarantineOnOpen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testOptions())
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	tables := sstFiles(t, dir, ".sst")
	require.Len(t, tables, 1)
	path := filepath.Join(dir, tables[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff // footer magic
	require.NoError(t, os.WriteFile(path, data, 0644))

	db = openDB(t, dir, testOptions())
	defer db.Close()

	st := db.Stats()
	assert.Zero(t, st.Runs)
	assert.Equal(t, 1, st.Quarantined)
	storagetest.MustBeAbsent(t, db, "k")
}

func TestDB_Backpressure(t *testing.T) {
	opts := testOptions()
	opts.MemtableSize = 1 << 10
	opts.MaxImmutableMemtables = 1
	db := openDB(t, t.TempDir(), opts)
	defer db.Close()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 250; i++ {
				if err := db.Put(key(w*1000+i), value(i, w)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := db.Stats()
	assert.LessOrEqual(t, st.SealedMemtables, 1)
	assert.Len(t, storagetest.Keys(t, db, nil, nil), 1000)
}

func TestDB_CloseWakesStalledWriters(t *testing.T) {
	opts := testOptions()
	opts.MemtableSize = 1
	opts.MaxImmutableMemtables = 1
	db := openDB(t, t.TempDir(), opts)

	errs := make(chan error, 1)
	go func() {
		var err error
		for i := 0; err == nil; i++ {
			err = db.Put(key(i), value(i, 0))
		}
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, storage.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after Close")
	}
}

func TestDB_Stats(t *testing.T) {
	db := openDB(t, t.TempDir(), testOptions())
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Delete([]byte("b")))

	st := db.Stats()
	assert.Equal(t, storage.Sequence(2), st.LastSequence)
	assert.Positive(t, st.MemtableBytes)
	assert.Zero(t, st.Runs)

	require.NoError(t, db.Flush())
	st = db.Stats()
	assert.Zero(t, st.MemtableBytes)
	assert.Equal(t, 1, st.Runs)
	assert.Positive(t, st.RunBytes)
	assert.Equal(t, uint64(1), st.Flushes)
}
