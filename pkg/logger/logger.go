// Package logger builds the tint-backed structured loggers shared by the
// server and the CLI.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// Level is the minimum level logged. Verbose lowers it to debug.
	Level   slog.Level
	Verbose bool

	// NoColor disables ANSI colors. Writers that are not terminals never get
	// colors.
	NoColor   bool
	AddSource bool
}

// New returns a logger writing to w. Empty string attributes are dropped and
// timestamps are UTC with millisecond precision.
func New(w io.Writer, opts Options) *slog.Logger {
	level := opts.Level
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor || !isTerminal(w),
		TimeFormat: timeLayout,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Time(slog.TimeKey, a.Value.Time().UTC())
			}
			if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// ParseLevel accepts debug, info, warn or error in any case. An empty string
// is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
