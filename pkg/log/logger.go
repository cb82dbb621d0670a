// Package log provides the structured logging system used by fanlog
// components. It is a thin Field-based facade over log/slog so handlers and
// formats stay swappable while call sites keep a stable API.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity of a log message.
type Level int

// Log levels.
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a textual level ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("log: unknown level %q", s)
}

// Logger is the logging interface passed between fanlog components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger carrying the extra fields.
	With(fields ...Field) Logger

	// SetLevel sets the minimum level; it applies to the whole logger tree.
	SetLevel(level Level)
	GetLevel() Level
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts "text"/"json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("log: unknown format %q", s)
}

// Option configures a logger at construction time.
type Option func(*options)

type options struct {
	level  Level
	format Format
	out    io.Writer
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option { return func(o *options) { o.level = level } }

// WithFormat sets the output encoding.
func WithFormat(f Format) Option { return func(o *options) { o.format = f } }

// WithOutput redirects output (default stderr).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

type baseLogger struct {
	sl    *slog.Logger
	level *slog.LevelVar
}

// NewLogger creates a logger with the given options.
func NewLogger(opts ...Option) Logger {
	o := options{level: InfoLevel, format: FormatText, out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	lv := new(slog.LevelVar)
	lv.Set(toSlogLevel(o.level))
	hopts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if o.format == FormatJSON {
		h = slog.NewJSONHandler(o.out, hopts)
	} else {
		h = slog.NewTextHandler(o.out, hopts)
	}
	return &baseLogger{sl: slog.New(h), level: lv}
}

// NewNop returns a logger that discards everything. Used by tests and as a
// default when callers pass nil.
func NewNop() Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(ErrorLevel))
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.sl.Debug(msg, attrs(fields)...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.sl.Info(msg, attrs(fields)...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.sl.Warn(msg, attrs(fields)...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.sl.Error(msg, attrs(fields)...) }

func (l *baseLogger) With(fields ...Field) Logger {
	return &baseLogger{sl: l.sl.With(attrs(fields)...), level: l.level}
}

func (l *baseLogger) SetLevel(level Level) { l.level.Set(toSlogLevel(level)) }

func (l *baseLogger) GetLevel() Level { return fromSlogLevel(l.level.Level()) }

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func attrs(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
