// Package constants is responsible for defining the constants used in the application.
// It also provides the default locations used by the service.
package constants

import (
	"log/slog"
	"path/filepath"
	"time"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the featurewatch daemon command.
	CmdName = "featurewatch"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Service constants.
const (
	// DefaultServiceFolder is the name of the default root folder for the service.
	DefaultServiceFolder = "featurewatch"

	// DefaultSQLiteFile is the name of the default embedded version store.
	DefaultSQLiteFile = "versions.db"

	// DefaultTimeZone is the zone used to render timestamps sent to the webhook.
	DefaultTimeZone = "America/New_York"

	// DefaultInterval is the steady-state delay between two dispatch cycles.
	DefaultInterval = 60 * time.Second

	// DefaultErrorBackoff is the delay after a failed dispatch cycle.
	DefaultErrorBackoff = 5 * time.Second
)

// Remote attribute defaults, matching the project tracker feature layer.
const (
	DefaultKeyField      = "job_number"
	DefaultVersionField  = "precon_timestamp"
	DefaultNameField     = "job_name"
	DefaultEditTimeField = "EditDate"
)

// Service variables.
var (
	// DefaultServiceDataDir is the default data directory for the service.
	DefaultServiceDataDir = filepath.Join("/var/lib", DefaultServiceFolder)

	// DefaultSQLitePath is the default path of the embedded version store.
	DefaultSQLitePath = filepath.Join(DefaultServiceDataDir, DefaultSQLiteFile)
)
