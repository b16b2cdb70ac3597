// Package observability defines the logging seam shared by every layer and
// the zap adapter installed by the binaries.
package observability

import "sync/atomic"

// Logger is the structured logger libraries write to.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerBox struct{ Logger }

var global atomic.Pointer[loggerBox]

// SetLogger installs the process-wide logger. Nil restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		global.Store(nil)
		return
	}
	global.Store(&loggerBox{logger})
}

// Log returns the process-wide logger.
func Log() Logger {
	if box := global.Load(); box != nil {
		return box.Logger
	}
	return noopLogger{}
}

// With returns a logger that adds fields to every entry.
func With(logger Logger, fields ...Field) Logger {
	if logger == nil {
		logger = Log()
	}
	if len(fields) == 0 {
		return logger
	}
	if bound, ok := logger.(boundLogger); ok {
		return boundLogger{next: bound.next, fields: append(append([]Field(nil), bound.fields...), fields...)}
	}
	return boundLogger{next: logger, fields: append([]Field(nil), fields...)}
}

type boundLogger struct {
	next   Logger
	fields []Field
}

func (b boundLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(b.fields)+len(fields))
	out = append(out, b.fields...)
	return append(out, fields...)
}

func (b boundLogger) Debug(msg string, fields ...Field) { b.next.Debug(msg, b.merge(fields)...) }
func (b boundLogger) Info(msg string, fields ...Field)  { b.next.Info(msg, b.merge(fields)...) }
func (b boundLogger) Warn(msg string, fields ...Field)  { b.next.Warn(msg, b.merge(fields)...) }
func (b boundLogger) Error(msg string, fields ...Field) { b.next.Error(msg, b.merge(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
