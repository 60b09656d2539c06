// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatECS     = "ecs"
)

// New returns a logger writing to w in the given format. An empty level
// means info.
func New(w io.Writer, level, format, service string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var logger zerolog.Logger
	switch strings.ToLower(format) {
	case FormatConsole:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case FormatJSON, "":
		logger = zerolog.New(w).With().Timestamp().Logger()
	case FormatECS:
		logger = ecszerolog.New(w)
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return logger.Level(lvl).With().Str("service", service).Logger(), nil
}

// Must is New writing to stdout, exiting the process on a bad configuration.
func Must(level, format, service string) zerolog.Logger {
	logger, err := New(os.Stdout, level, format, service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return logger
}
