// Package logging configures the zerolog logger shared by the CLI, the run
// engine and the HTTP API.
//
//	log := logging.New(logging.Config{Level: "debug", Format: "console"})
//	ctx := logging.WithLogger(context.Background(), &log)
//	logging.FromContext(ctx).Info().Str("database_id", id).Msg("indexing employees")
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger options.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error, disabled.
	Level string
	// Format is json, console, or auto (console on a terminal).
	Format string
	// Output is stderr, stdout, discard, or a file path.
	Output string
	NoColor bool
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(Config{})
)

// New builds a logger from cfg. Unknown values fall back to info level, auto
// format and stderr. A file output that cannot be opened also falls back to
// stderr, and the first entry says why. Use Open to own and close the file.
func New(cfg Config) zerolog.Logger {
	logger, _, err := Open(cfg)
	if err != nil {
		fallback := cfg
		fallback.Output = "stderr"
		logger, _, _ = Open(fallback)
		logger.Warn().Err(err).Str("output", cfg.Output).Msg("log output unavailable, writing to stderr")
	}
	return logger
}

// Open builds a logger from cfg like New, but reports a file output that
// cannot be opened. The closer releases that file and is a no-op for the
// standard streams.
func Open(cfg Config) (zerolog.Logger, io.Closer, error) {
	out, closer, err := outputFor(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	level := ParseLevel(cfg.Level)
	logger := zerolog.New(formatWriter(out, cfg)).Level(level).With().Timestamp().Logger()
	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Default returns the process-wide logger.
func Default() *zerolog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	l := defaultLogger
	return &l
}

// SetDefault replaces the process-wide logger.
func SetDefault(logger zerolog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "none", "off":
		return zerolog.Disabled
	}
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

func outputFor(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "discard", "none":
		return io.Discard, nopCloser{}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return file, file, nil
}

func formatWriter(out io.Writer, cfg Config) io.Writer {
	if out == io.Discard {
		return out
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && isTerminal(f) {
			format = "console"
		}
	}
	if format == "console" || format == "pretty" {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor || os.Getenv("NO_COLOR") != "",
		}
	}
	return out
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type contextKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	if logger == nil {
		logger = Default()
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok && logger != nil {
			return logger
		}
	}
	return Default()
}
