// Package logging wires slog to two reporters: human-readable text on
// stderr and NDJSON to a rotating file under the data directory. Rotation
// errors are non-fatal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options controls reporter setup.
type Options struct {
	Level    slog.Level
	Dir      string // log directory, e.g. {data}/logs; empty disables the file reporter
	FileName string // base file name, default "dorkos.log"
	MaxBytes int64  // per-file size cap, default 500 KB
	MaxFiles int    // retained rotated files, default 14
}

func (o *Options) defaults() {
	if o.FileName == "" {
		o.FileName = "dorkos.log"
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 500 * 1024
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = 14
	}
}

// Setup installs the default slog logger and returns a closer for the file
// reporter. Safe to call with an empty Dir (stderr only).
func Setup(opts Options) (io.Closer, error) {
	opts.defaults()

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level}),
	}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		w := newRotatingWriter(filepath.Join(opts.Dir, opts.FileName), opts.MaxBytes, opts.MaxFiles)
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
		closer = w
	}

	slog.SetDefault(slog.New(newFanout(handlers...)))
	return closer, nil
}

// Component derives a tagged logger for a subsystem.
func Component(tag string) *slog.Logger {
	return slog.Default().With("component", tag)
}

// ParseLevel maps a config string to a slog level. Unknown values fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
