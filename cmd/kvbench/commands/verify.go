package commands

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/strata/internal/config"
	"github.com/myuser/strata/internal/engine"
	"github.com/myuser/strata/internal/storage"
)

type scenario struct {
	name string
	run  func(e storage.Engine) error
	// reopen checks the state left by run after the engine is reopened.
	// Skipped for the memory engine.
	reopen func(e storage.Engine) error
}

var scenarios = []scenario{
	{name: "absent key", run: verifyAbsent},
	{name: "last write wins", run: verifyLastWriteWins},
	{name: "delete", run: verifyDelete},
	{name: "scan skips deleted", run: verifyScan},
	{name: "idempotence", run: verifyIdempotence},
	{name: "concurrent same key", run: verifyConcurrent},
	{name: "durability", run: durabilityWrite, reopen: durabilityCheck},
}

type verifyResult struct {
	Scenario string `json:"scenario"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "check the engine contract on fresh engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := baseConfig()
		if err != nil {
			return err
		}
		defer cleanup()

		var (
			results []verifyResult
			failed  int
		)
		for i, sc := range scenarios {
			scCfg := cfg
			if cfg.Mode != config.ModeMemory {
				scCfg.DataDir = filepath.Join(cfg.DataDir, fmt.Sprintf("scenario-%02d", i))
			}
			err := runScenario(scCfg, sc)
			res := verifyResult{Scenario: sc.name, Passed: err == nil}
			if err != nil {
				res.Error = err.Error()
				failed++
			}
			results = append(results, res)
		}
		if err := printJSON(results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runScenario(cfg config.Config, sc scenario) (err error) {
	e, err := engine.Open(cfg)
	if err != nil {
		return err
	}
	err = sc.run(e)
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	if err != nil || sc.reopen == nil || cfg.Mode == config.ModeMemory {
		return err
	}

	if e, err = engine.Open(cfg); err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	err = sc.reopen(e)
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}

func expectValue(e storage.Engine, key, want []byte) error {
	got, ok, err := e.Get(key)
	switch {
	case err != nil:
		return fmt.Errorf("get %q: %w", key, err)
	case !ok:
		return fmt.Errorf("get %q: absent, want %q", key, want)
	case !bytes.Equal(got, want):
		return fmt.Errorf("get %q: got %q, want %q", key, got, want)
	}
	return nil
}

func expectAbsent(e storage.Engine, key []byte) error {
	got, ok, err := e.Get(key)
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	if ok {
		return fmt.Errorf("get %q: got %q, want absent", key, got)
	}
	return nil
}

func collect(e storage.Engine, start, end []byte) ([]storage.KV, error) {
	it, err := e.Scan(start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []storage.KV
	for it.Next() {
		out = append(out, storage.KV{Key: it.Key(), Value: it.Value()})
	}
	return out, it.Err()
}

func verifyAbsent(e storage.Engine) error {
	return expectAbsent(e, []byte("never-written"))
}

func verifyLastWriteWins(e storage.Engine) error {
	k := []byte("k")
	if err := e.Put(k, []byte("v1")); err != nil {
		return err
	}
	if err := e.Put(k, []byte("v2")); err != nil {
		return err
	}
	return expectValue(e, k, []byte("v2"))
}

func verifyDelete(e storage.Engine) error {
	k := []byte("k")
	if err := e.Put(k, []byte("v")); err != nil {
		return err
	}
	if err := e.Delete(k); err != nil {
		return err
	}
	if err := expectAbsent(e, k); err != nil {
		return err
	}
	if err := e.Delete([]byte("absent")); err != nil {
		return fmt.Errorf("delete of an absent key: %w", err)
	}
	return nil
}

func verifyScan(e storage.Engine) error {
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		return err
	}
	if err := e.Put([]byte("b"), []byte("2")); err != nil {
		return err
	}
	if err := e.Delete([]byte("a")); err != nil {
		return err
	}
	got, err := collect(e, []byte(""), []byte("z"))
	if err != nil {
		return err
	}
	if len(got) != 1 || string(got[0].Key) != "b" || string(got[0].Value) != "2" {
		return fmt.Errorf("scan: got %q, want [b=2]", got)
	}
	return nil
}

func verifyIdempotence(e storage.Engine) error {
	for i := 0; i < 2; i++ {
		if err := e.Put([]byte("p"), []byte("v")); err != nil {
			return err
		}
		if err := e.Delete([]byte("d")); err != nil {
			return err
		}
	}
	if err := expectValue(e, []byte("p"), []byte("v")); err != nil {
		return err
	}
	return expectAbsent(e, []byte("d"))
}

func verifyConcurrent(e storage.Engine) error {
	k := []byte("same")
	for round := 0; round < 100; round++ {
		var g errgroup.Group
		g.Go(func() error { return e.Put(k, bytes.Repeat([]byte("x"), 256)) })
		g.Go(func() error { return e.Put(k, bytes.Repeat([]byte("y"), 256)) })
		if err := g.Wait(); err != nil {
			return err
		}
		first, ok, err := e.Get(k)
		if err != nil || !ok {
			return fmt.Errorf("get after concurrent puts: found=%v err=%v", ok, err)
		}
		if !bytes.Equal(first, bytes.Repeat([]byte("x"), 256)) && !bytes.Equal(first, bytes.Repeat([]byte("y"), 256)) {
			return errors.New("concurrent puts produced a mixed value")
		}
		if err := expectValue(e, k, first); err != nil {
			return fmt.Errorf("repeated get: %w", err)
		}
	}
	return nil
}

const durabilityKeys = 2000

func durabilityKey(i int) []byte { return []byte(fmt.Sprintf("durable-%06d", i)) }

func durabilityWrite(e storage.Engine) error {
	for i := 0; i < durabilityKeys; i++ {
		if err := e.Put(durabilityKey(i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			return err
		}
	}
	for i := 0; i < durabilityKeys; i += 3 {
		if err := e.Delete(durabilityKey(i)); err != nil {
			return err
		}
	}
	return nil
}

func durabilityCheck(e storage.Engine) error {
	for i := 0; i < durabilityKeys; i++ {
		var err error
		if i%3 == 0 {
			err = expectAbsent(e, durabilityKey(i))
		} else {
			err = expectValue(e, durabilityKey(i), []byte(fmt.Sprintf("v%d", i)))
		}
		if err != nil {
			return err
		}
	}
	got, err := collect(e, []byte("durable-"), []byte("durable."))
	if err != nil {
		return err
	}
	if want := durabilityKeys - (durabilityKeys+2)/3; len(got) != want {
		return fmt.Errorf("scan after reopen: got %d entries, want %d", len(got), want)
	}
	return nil
}
