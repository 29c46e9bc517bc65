package taskmaster

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pion/logging"
)

// loggerFactory is the single pion/logging factory the orchestrator and
// its collaborators pull scoped loggers from. When stdout is not a
// terminal the default log level is set to Info; on a terminal the
// factory keeps pion/logging's own default. No color output is produced
// either way.
var loggerFactory logging.LoggerFactory = newDefaultLoggerFactory()

func newDefaultLoggerFactory() *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		f.DefaultLogLevel = logging.LogLevelInfo
	}
	return f
}

// SetLoggerFactory lets an embedding application replace the default
// pion/logging factory, e.g. to redirect into its own structured logger.
func SetLoggerFactory(f logging.LoggerFactory) {
	loggerFactory = f
}

func scopedLogger(scope string) logging.LeveledLogger {
	return loggerFactory.NewLogger(scope)
}
