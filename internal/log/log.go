// Package log holds the process-wide logger.
package log

import (
	"os"

	log "github.com/phuslu/log"
)

var MainLogger *log.Logger

func init() {
	MainLogger = &log.Logger{
		Level:  log.InfoLevel,
		Caller: 1,
		Writer: &log.ConsoleWriter{
			Writer:         os.Stderr,
			QuoteString:    true,
			EndWithMessage: true,
		},
	}
}

// SetLevel changes the level of MainLogger ("debug", "info", "warn", "error").
// Call it before the logger is shared between goroutines.
func SetLevel(level string) {
	MainLogger.Level = log.ParseLevel(level)
}
