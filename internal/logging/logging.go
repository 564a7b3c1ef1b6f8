// Package logging sets up the engine's structured logger: colorized tint
// output to a terminal, plain JSON when stdout isn't a tty, and an optional
// second plain JSON sink (Options.FileWriter), fanned out through
// multiHandler.
// Grounded on the teacher's cmd/client/main.go and cmd/server/main.go.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options configures New.
type Options struct {
	// Level is the minimum level emitted to every sink.
	Level slog.Level
	// Writer is the primary output, typically os.Stdout. Defaults to
	// os.Stdout when nil.
	Writer io.Writer
	// FileWriter, if non-nil, receives a second, plain (non-colored) JSON
	// stream of the same records — for a log file sitting alongside a
	// colored terminal stream.
	FileWriter io.Writer
}

// New builds a slog.Logger using tint when Writer is a terminal and plain
// JSON otherwise, optionally duplicated to FileWriter.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	handlers := []slog.Handler{primaryHandler(w, opts.Level)}
	if opts.FileWriter != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.FileWriter, &slog.HandlerOptions{
			Level: opts.Level,
		}))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = newMultiHandler(handlers...)
	}
	return slog.New(h)
}

func primaryHandler(w io.Writer, level slog.Level) slog.Handler {
	isTerm := false
	if f, ok := w.(*os.File); ok {
		isTerm = isatty.IsTerminal(f.Fd())
	}
	if isTerm {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: timeFormat,
			NoColor:    false,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// SetDefault installs logger as the slog package default, mirroring the
// teacher's slog.SetDefault(logger) call in main().
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
