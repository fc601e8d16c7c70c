// Package logging provides structured logging with correlation ID propagation.
//
// Loggers are thin wrappers over zerolog that keep a fields-map API so call
// sites read the same across packages:
//
//	log.Infof("merge completed", map[string]any{"table": t, "part": name})
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs one JSON object per line.
	FormatJSON Format = iota
	// FormatText outputs human-readable console lines.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to FormatJSON.
func ParseFormat(s string) Format {
	if s == "text" || s == "console" {
		return FormatText
	}
	return FormatJSON
}

// Config holds configuration for a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddCaller bool
}

// Logger provides structured logging with configurable levels and formats.
// A Logger is immutable; With* methods return derived loggers.
type Logger struct {
	zl            zerolog.Logger
	level         Level
	correlationID string
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == FormatText {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}
	zctx := zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp()
	if cfg.AddCaller {
		zctx = zctx.CallerWithSkipFrameCount(4)
	}
	return &Logger{zl: zctx.Logger(), level: cfg.Level}
}

// DefaultLogger returns a JSON logger at info level writing to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON, Output: os.Stderr})
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), level: LevelError + 1}
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() Level {
	return l.level
}

// Zerolog exposes the underlying zerolog logger for libraries that accept one.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		zl:            l.zl.With().Fields(fields).Logger(),
		level:         l.level,
		correlationID: l.correlationID,
	}
}

// WithCorrelationID returns a new Logger that tags every entry with id.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{
		zl:            l.zl.With().Str("correlationId", id).Logger(),
		level:         l.level,
		correlationID: id,
	}
}

// CorrelationID returns the correlation ID attached with WithCorrelationID.
func (l *Logger) CorrelationID() string {
	return l.correlationID
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(zerolog.DebugLevel, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(zerolog.DebugLevel, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(zerolog.InfoLevel, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(zerolog.InfoLevel, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(zerolog.WarnLevel, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(zerolog.WarnLevel, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(zerolog.ErrorLevel, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) log(level zerolog.Level, msg string, fields map[string]any) {
	ev := l.zl.WithLevel(level)
	if ev == nil {
		return
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			ev = ev.AnErr(k, err)
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
