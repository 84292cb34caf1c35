// Package logging configures structured logging for the session broker
// using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"strings"
)

// Service is attached to every record so broker logs can be told apart when
// shipped alongside the environments' own logs.
const Service = "session-broker"

// Level is the broker-wide log level. It can be changed at runtime.
var Level slog.LevelVar

// Setup installs the default slog logger with the given level and format
// (json or text, default json) writing to w, and routes the stdlib log
// package through it. It returns the installed logger.
func Setup(level, format string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(level))

	logger := slog.New(newHandler(format, w).WithAttrs([]slog.Attr{
		slog.String("service", Service),
	}))
	slog.SetDefault(logger)

	// Library log.Printf lines go through the same handler, tagged by origin.
	log.SetOutput(&stdlibWriter{logger: logger})
	log.SetFlags(0)
	return logger
}

func newHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: &Level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel converts a level name to a slog.Level. Besides the usual names
// it accepts "warning" and slog's offset syntax ("DEBUG-4", "INFO+2").
// Anything else is INFO.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// stdlibWriter turns each stdlib log line into an INFO record.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "origin", "stdlib")
	return len(p), nil
}

// For returns the default logger tagged with a component name. Call it after
// Setup so the tag lands on the configured handler.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
