// Package telemetry implements Metrics & Observability (C9): Prometheus
// counters/histograms and the node's structured logger.
//
// Grounded on the pack's zerolog convention (carverauto-serviceradar,
// cuemby-warren go.mod direct dependencies) replacing the teacher's bare
// log.Printf (cmd/server/main.go, internal/api/middleware.go) with structured
// fields at the same call sites.
package telemetry

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the node's base logger. levelName is one of zerolog's
// level names ("debug", "info", "warn", "error"); an unrecognized or empty
// value defaults to "info". pretty selects a human-readable console writer
// for local development instead of the default JSON output.
func NewLogger(levelName string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
