// Package rrdlog provides the package-level logger shared by the rrd core.
//
// Other packages pull Logger and attach fields rather than importing zerolog
// directly, so the output format stays consistent across the registry,
// ingestion, and persistence layers.
package rrdlog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
