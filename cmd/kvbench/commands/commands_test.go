package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/strata/internal/config"
	"github.com/myuser/strata/internal/storage"
)

func TestScenarios(t *testing.T) {
	for _, m := range []config.Mode{config.ModeMemory, config.ModeDisk, config.ModeLevelDB} {
		for _, sc := range scenarios {
			t.Run(string(m)+"/"+sc.name, func(t *testing.T) {
				cfg := config.New(
					config.WithMode(m),
					config.WithDataDir(t.TempDir()),
					config.WithLogLevel("error"),
				)
				require.NoError(t, runScenario(cfg, sc))
			})
		}
	}
}

func TestRunWorkload(t *testing.T) {
	workers, duration, numKeys, valueSize, readRatio = 4, 200*time.Millisecond, 100, 16, 0.5

	rep, err := runWorkload(t.Context(), storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Positive(t, rep.Ops)
	assert.Equal(t, rep.Gets+rep.Puts+rep.Deletes+rep.Scans, rep.Ops)
	assert.Zero(t, rep.Errors)
	assert.Nil(t, rep.LSM)
}
