// Package logging builds the zerolog logger shared by all services.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Console io.Writer // defaults to os.Stdout
	File    string    // append-only log file, empty disables it
	Level   zerolog.Level
	JSON    bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger writing to the console and, when configured, to the
// log file. The returned closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var out io.Writer
	if opts.JSON {
		out = console
	} else {
		cw := zerolog.ConsoleWriter{Out: console, TimeFormat: "2006-01-02 15:04:05"}
		cw.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		out = cw
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) //nolint:gosec // path from config
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	logger := zerolog.New(out).Level(opts.Level).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel maps verbose/quiet switches and an optional level name to a level.
func ParseLevel(name string, verbose, quiet bool) zerolog.Level {
	switch {
	case quiet:
		return zerolog.ErrorLevel
	case verbose:
		return zerolog.DebugLevel
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}
	return zerolog.InfoLevel
}
