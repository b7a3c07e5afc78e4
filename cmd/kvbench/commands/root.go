package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/myuser/strata/internal/config"
	"github.com/myuser/strata/internal/log"
)

var (
	mode     string
	dataDir  string
	logLevel string
	syncWAL  bool
)

var rootCmd = &cobra.Command{
	Use:           "kvbench",
	Short:         "load generator and smoke checks for strata engines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.MainLogger.Error().Err(err).Msg("kvbench failed")
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&mode, "mode", string(config.ModeMemory), "engine: memory, disk or leveldb")
	f.StringVar(&dataDir, "dir", "", "data directory; a temporary one is used when empty")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	f.BoolVar(&syncWAL, "sync", false, "fsync every write")
}

// baseConfig builds the engine config from the persistent flags. The
// returned cleanup removes a temporary data directory.
func baseConfig() (config.Config, func(), error) {
	m, err := config.ParseMode(mode)
	if err != nil {
		return config.Config{}, nil, err
	}
	dir, cleanup := dataDir, func() {}
	if dir == "" && m != config.ModeMemory {
		if dir, err = os.MkdirTemp("", "kvbench-"); err != nil {
			return config.Config{}, nil, err
		}
		cleanup = func() { os.RemoveAll(dir) }
	}
	cfg := config.New(
		config.WithMode(m),
		config.WithDataDir(dir),
		config.WithSyncWrites(syncWAL),
		config.WithLogLevel(logLevel),
	)
	return cfg, cleanup, nil
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	opts := &pretty.Options{Width: 80, Prefix: "", Indent: "\t", SortKeys: false}
	out := pretty.PrettyOptions(data, opts)
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = pretty.Color(out, pretty.TerminalStyle)
	}
	fmt.Printf("%s", out)
	return nil
}
