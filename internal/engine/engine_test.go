package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/strata/internal/config"
	"github.com/myuser/strata/internal/metrics"
	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/leveldb"
	"github.com/myuser/strata/internal/storage/lsm"
	"github.com/myuser/strata/internal/storage/storagetest"
)

func TestOpen_Modes(t *testing.T) {
	cases := []struct {
		mode  config.Mode
		inner any
	}{
		{config.ModeMemory, &storage.MemoryStore{}},
		{config.ModeDisk, &lsm.DB{}},
		{config.ModeLevelDB, &leveldb.Store{}},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			storagetest.RunEngineSuite(t, func(t *testing.T) storage.Engine {
				e, err := Open(config.New(
					config.WithMode(tc.mode),
					config.WithDataDir(t.TempDir()),
					config.WithCompactionRunCount(3),
					config.WithLogLevel("error"),
				))
				require.NoError(t, err)
				assert.IsType(t, tc.inner, Unwrap(e))
				return e
			})
		})
	}
}

func TestOpen_Invalid(t *testing.T) {
	_, err := Open(config.New(config.WithMode(config.ModeDisk)))
	assert.Error(t, err)

	_, err = Open(config.New(config.WithMode("tape"), config.WithDataDir(t.TempDir())))
	assert.Error(t, err)
}

func TestOpen_DiskPersists(t *testing.T) {
	cfg := config.New(
		config.WithMode(config.ModeDisk),
		config.WithDataDir(t.TempDir()),
		config.WithLogLevel("error"),
	)
	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestInstrument(t *testing.T) {
	const name = "test-instrument"
	e := Instrument(name, storage.NewMemoryStore())

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	_, _, err := e.Get([]byte("a"))
	require.NoError(t, err)
	_, _, err = e.Get([]byte("b"))
	require.NoError(t, err)
	it, err := e.Scan(nil, nil)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.NoError(t, e.Close())

	_, _, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, storage.ErrClosed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues(name, "put")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Operations.WithLabelValues(name, "get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues(name, "scan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Errors.WithLabelValues(name, "get", "closed")))

	assert.Same(t, Unwrap(Unwrap(e)), Unwrap(e))
}
