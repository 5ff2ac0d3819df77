// Package log holds the process-wide go-kit logger. Modules log through
// Logger; only main replaces it, via InitLogger, before any module starts.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger discards everything until InitLogger runs, so packages can log
// safely from init paths and tests without setup.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the process logger (logfmt or json per format) writing
// to stderr with UTC timestamps, installs it as Logger and returns it.
func InitLogger(format string, lvl dslog.Level) kitlog.Logger {
	logger := dslog.NewGoKitWithWriter(format, kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the level filter goes last so filtered records pay no formatting cost
	logger = level.NewFilter(logger, lvl.Option)

	Logger = logger
	return logger
}
