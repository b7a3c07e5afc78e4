package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/strata/internal/engine"
	"github.com/myuser/strata/internal/log"
	"github.com/myuser/strata/internal/metrics"
	"github.com/myuser/strata/internal/storage"
	"github.com/myuser/strata/internal/storage/lsm"
)

var (
	workers     int
	duration    time.Duration
	numKeys     int
	valueSize   int
	readRatio   float64
	metricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "drive an engine with a mixed workload and print a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		if readRatio < 0 || readRatio > 1 {
			return fmt.Errorf("read ratio must be within [0, 1], got %v", readRatio)
		}
		if numKeys <= 0 || workers <= 0 {
			return errors.New("keys and workers must be positive")
		}
		cfg, cleanup, err := baseConfig()
		if err != nil {
			return err
		}
		defer cleanup()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.MainLogger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		e, err := engine.Open(cfg)
		if err != nil {
			return err
		}
		rep, err := runWorkload(cmd.Context(), e)
		if cerr := e.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		rep.Mode = string(cfg.Mode)
		return printJSON(rep)
	},
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&workers, "workers", 10, "number of concurrent workers")
	f.DurationVar(&duration, "duration", 10*time.Second, "test duration")
	f.IntVar(&numKeys, "keys", 10000, "size of the key space")
	f.IntVar(&valueSize, "value-size", 100, "value size in bytes")
	f.Float64Var(&readRatio, "read-ratio", 0.5, "fraction of operations that read")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(runCmd)
}

type report struct {
	Mode     string     `json:"mode"`
	Workers  int        `json:"workers"`
	Duration string     `json:"duration"`
	Ops      int64      `json:"ops"`
	Gets     int64      `json:"gets"`
	Hits     int64      `json:"hits"`
	Puts     int64      `json:"puts"`
	Deletes  int64      `json:"deletes"`
	Scans    int64      `json:"scans"`
	Errors   int64      `json:"errors"`
	OpsPerS  float64    `json:"ops_per_sec"`
	LSM      *lsm.Stats `json:"lsm,omitempty"`
}

type counters struct {
	gets, hits, puts, deletes, scans, errors atomic.Int64
}

func runWorkload(ctx context.Context, e storage.Engine) (*report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var c counters
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		rng := rand.New(rand.NewSource(start.UnixNano() + int64(i)))
		g.Go(func() error {
			value := make([]byte, valueSize)
			for ctx.Err() == nil {
				if err := step(e, rng, value, &c); err != nil {
					if errors.Is(err, storage.ErrClosed) || storage.IsCorruption(err) {
						return err
					}
					if n := c.errors.Add(1); n <= 5 {
						log.MainLogger.Warn().Err(err).Msg("operation failed")
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	rep := &report{
		Workers:  workers,
		Duration: elapsed.String(),
		Gets:     c.gets.Load(),
		Hits:     c.hits.Load(),
		Puts:     c.puts.Load(),
		Deletes:  c.deletes.Load(),
		Scans:    c.scans.Load(),
		Errors:   c.errors.Load(),
	}
	rep.Ops = rep.Gets + rep.Puts + rep.Deletes + rep.Scans
	rep.OpsPerS = float64(rep.Ops) / elapsed.Seconds()
	if db, ok := engine.Unwrap(e).(*lsm.DB); ok {
		st := db.Stats()
		rep.LSM = &st
	}
	return rep, nil
}

// step issues one operation. One read in fifty is a short scan and one
// write in ten is a delete.
func step(e storage.Engine, rng *rand.Rand, value []byte, c *counters) error {
	key := []byte(fmt.Sprintf("user%08d", rng.Intn(numKeys)))
	if rng.Float64() < readRatio {
		if rng.Intn(50) == 0 {
			c.scans.Add(1)
			return scanN(e, key, 10)
		}
		c.gets.Add(1)
		_, ok, err := e.Get(key)
		if ok {
			c.hits.Add(1)
		}
		return err
	}
	if rng.Intn(10) == 0 {
		c.deletes.Add(1)
		return e.Delete(key)
	}
	c.puts.Add(1)
	rng.Read(value)
	return e.Put(key, value)
}

func scanN(e storage.Engine, start []byte, n int) error {
	it, err := e.Scan(start, nil)
	if err != nil {
		return err
	}
	for i := 0; i < n && it.Next(); i++ {
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}
