// Package logger builds the slog.Logger used across the server.
//
// Two formats are supported: "text" writes coloured, human readable lines
// with tint and is meant for a terminal; "json" writes one JSON object per
// line for log collectors.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	Level  string
	Format string
	// NoColor disables colours in the text format.
	NoColor bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			AddSource:  true,
			NoColor:    opts.NoColor,
		})), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: trimSource,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// ParseLevel accepts debug, info, warn and error. An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func trimSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		if source, ok := a.Value.Any().(*slog.Source); ok && source != nil {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}
