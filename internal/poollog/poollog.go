// Package poollog configures the zerolog.Logger shared by the pool
// controller, its executors, and the CLI.
package poollog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w at the given level, parsed
// case-insensitively by zerolog.ParseLevel ("debug", "info", "warn",
// "error", and the other names it accepts); a level it rejects falls back
// to "info". If w is an *os.File on a character device, such as an
// interactive terminal, output is rendered with zerolog's human-friendly
// console writer instead of raw JSON.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if f, ok := w.(*os.File); ok && isTTY(f) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// isTTY reports whether f is an interactive terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
