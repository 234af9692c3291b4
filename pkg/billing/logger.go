package billing

import "context"

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// withFields prepends fixed fields to every call.
type withFields struct {
	next   Logger
	fields []Field
}

func (l *withFields) merge(fields []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l *withFields) Debug(msg string, fields ...Field) { l.next.Debug(msg, l.merge(fields)...) }
func (l *withFields) Info(msg string, fields ...Field)  { l.next.Info(msg, l.merge(fields)...) }
func (l *withFields) Warn(msg string, fields ...Field)  { l.next.Warn(msg, l.merge(fields)...) }
func (l *withFields) Error(msg string, fields ...Field) { l.next.Error(msg, l.merge(fields)...) }

// WithFields returns a Logger that adds fields to every entry.
func WithFields(l Logger, fields ...Field) Logger {
	return &withFields{next: l, fields: fields}
}

type loggerKey struct{}

// ContextWithLogger attaches a request-scoped logger to ctx.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the request-scoped logger, or fallback.
func LoggerFromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return fallback
}
