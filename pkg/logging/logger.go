// Package logging configures the process-wide structured logger: single-line
// JSON records on stderr, an optional rotating file, and a ring buffer of
// recent entries that feeds health and diagnostics.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelCritical extends slog's levels for conditions that demand operator
// attention immediately. Records at this level render as "CRITICAL".
const LevelCritical = slog.LevelError + 4

// Options configures Setup.
type Options struct {
	Level    string // debug | info | warn | error
	LogDir   string // empty disables the file sink
	Service  string
	Version  string
	Capacity int // ring buffer capacity; 0 means DefaultRingCapacity

	// Stderr overrides the stderr sink, for tests.
	Stderr io.Writer
}

// Setup installs the default slog logger and returns the ring buffer that
// mirrors every emitted record. Must run before anything else logs.
func Setup(opts Options) *RingBuffer {
	ring := NewRingBuffer(opts.Capacity)

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var file io.Writer
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err == nil {
			file = &lumberjack.Logger{
				Filename:   filepath.Join(opts.LogDir, opts.Service+".log"),
				MaxSize:    50, // megabytes per file
				MaxBackups: 5,
				Compress:   true,
			}
		}
		// On MkdirAll failure the handler runs stderr-only; the degradation
		// warning fires on first write attempt when file is non-nil, so log
		// the miss here instead.
	}

	handler := NewHandler(ParseLevel(opts.Level), opts.Service, opts.Version, stderr, file, ring)
	slog.SetDefault(slog.New(handler))

	if opts.LogDir != "" && file == nil {
		slog.Warn("log directory unavailable; continuing on stderr only", "log_dir", opts.LogDir)
	}
	return ring
}

// ParseLevel maps a config level string to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger tagged with a component name. Components in the
// noisy set are pinned to WARN and above by the handler.
func Component(name string) *slog.Logger {
	return slog.Default().With("logger", name)
}
