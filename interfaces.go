package respkv

import (
	"fmt"
	"log"
	"strings"

	"github.com/raniellyferreira/respkv/command"
	"github.com/raniellyferreira/respkv/replication"
	"github.com/raniellyferreira/respkv/server"
	"github.com/raniellyferreira/respkv/storage"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// kvLogger hands a Logger to the packages that log alternating key/value
// pairs
type kvLogger struct {
	l Logger
}

func (k kvLogger) Debug(msg string, kv ...interface{}) { k.l.Debug(msg, pairs(kv)...) }
func (k kvLogger) Info(msg string, kv ...interface{})  { k.l.Info(msg, pairs(kv)...) }
func (k kvLogger) Error(msg string, kv ...interface{}) { k.l.Error(msg, pairs(kv)...) }

// pairs turns alternating keys and values into fields. Non-string keys and
// a trailing key are dropped.
func pairs(kv []interface{}) []Field {
	fields := make([]Field, 0, len(kv)/2)
	for ; len(kv) >= 2; kv = kv[2:] {
		if key, ok := kv[0].(string); ok {
			fields = append(fields, Field{Key: key, Value: kv[1]})
		}
	}
	return fields
}

// MetricsCollector receives every measurement a node produces.
// *metrics.Registry implements it.
type MetricsCollector interface {
	replication.MetricsCollector
	command.MetricsCollector
	server.MetricsCollector
	storage.StorageObserver

	// SetRole records the node's replication role
	SetRole(role string)

	// UpdateKeyspace records the current key counts
	UpdateKeyspace(keys, expires int64)
}

// Level filters the messages of the default logger
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

// ParseLevel parses debug, info or error
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}

// NewLogger returns the default logger, which writes through the standard
// log package and drops messages below level
func NewLogger(level Level) Logger {
	return &defaultLogger{level: level}
}

// defaultLogger is a simple logger implementation using the standard log package
type defaultLogger struct {
	level Level
}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.logWithFields(LevelDebug, "DEBUG", msg, fields...)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.logWithFields(LevelInfo, "INFO", msg, fields...)
}

func (l *defaultLogger) Error(msg string, fields ...Field) {
	l.logWithFields(LevelError, "ERROR", msg, fields...)
}

func (l *defaultLogger) logWithFields(level Level, name, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	log.Println(formatLine(name, msg, fields...))
}

func formatLine(level, msg string, fields ...Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(": ")
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteByte(' ')
		b.WriteString(field.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(field.Value))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}
