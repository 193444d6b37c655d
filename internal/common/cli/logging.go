package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/featurewatch/featurewatch/internal/common/constants"
)

// logOutput receives the JSON records. Reports printed by subcommands own stdout.
var logOutput io.Writer = os.Stderr

// SetVerbosity sets the logging level for the default logger based on the verbose flag count.
//
// This function has the same behaviors as slog.SetLogLoggerLevel.
func SetVerbosity(level int) {
	slog.SetLogLoggerLevel(getLevel(level))
}

// SetSlog sets the logging level and format for the default logger.
//
// JSON records are written to stderr and carry the service name and version.
func SetSlog(level int, jsonLogs bool) {
	slogLevel := getLevel(level)
	if jsonLogs {
		h := slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: slogLevel})
		slog.SetDefault(slog.New(h).With("service", constants.CmdName, "version", constants.Version))
		return
	}

	SetVerbosity(level)
}

func getLevel(level int) slog.Level {
	switch level {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
