// Package logging configures the process-wide zerolog writer and
// level once, at startup, so every package's own
// log.With().Str("component", ...).Logger() sub-logger inherits the
// same destination and filter instead of each re-deriving it.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog level from levelName (any of
// zerolog's level strings; unrecognized or empty falls back to info)
// and returns a base logger writing to stderr. Pretty selects
// zerolog's human-readable console writer over the default JSON
// output, matching what you'd want on a developer's terminal rather
// than in a log-collected deployment.
func Setup(levelName string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelName)))
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w = os.Stderr
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
