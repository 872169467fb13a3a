// Package logging provides structured logging for the transcript recorder.
// It wraps zerolog behind a small Logger interface so recorders, sessions and
// the manager can attach session and conversation identifiers to every entry.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// Context keys lifted into log fields by WithContext.
const (
	TraceIDKey        ContextKey = "trace_id"
	SessionIDKey      ContextKey = "session_id"
	ConversationIDKey ContextKey = "conversation_id"
)

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries.
	ServiceName string

	// Environment is included in all log entries (e.g., "development", "production").
	Environment string

	// JSONFormat enables JSON output when true, human-readable when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "penf-recorder",
		Environment: "development",
		Output:      os.Stderr,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a new Logger with the given fields attached to all subsequent logs.
	With(fields ...Field) Logger

	// WithContext returns a new Logger carrying the trace, session and
	// conversation identifiers found in ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger.
	Zerolog() zerolog.Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component names the emitting component.
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}

// ContextWithSession returns a copy of ctx carrying session and conversation ids.
func ContextWithSession(ctx context.Context, sessionID, conversationID string) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	if conversationID != "" {
		ctx = context.WithValue(ctx, ConversationIDKey, conversationID)
	}
	return ctx
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{zl: zl}
}

// ParseLevel converts Level to zerolog.Level, defaulting to info.
func ParseLevel(l Level) zerolog.Level {
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

func (l *logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.zl.Debug().Fields(flatten(fields)).Msg(msg)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.zl.Info().Fields(flatten(fields)).Msg(msg)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.zl.Warn().Fields(flatten(fields)).Msg(msg)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.zl.Error().Fields(flatten(fields)).Msg(msg)
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{zl: l.zl.With().Fields(flatten(fields)).Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	var fields []Field
	for _, key := range []ContextKey{TraceIDKey, SessionIDKey, ConversationIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, F(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// flatten turns fields into the key/value list zerolog's Fields accepts.
func flatten(fields []Field) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field)      {}
func (n *nopLogger) Info(msg string, fields ...Field)       {}
func (n *nopLogger) Warn(msg string, fields ...Field)       {}
func (n *nopLogger) Error(msg string, fields ...Field)      {}
func (n *nopLogger) With(fields ...Field) Logger            { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger                { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
