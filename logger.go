package modrun

import "log/slog"

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so implementing
// applications can control how framework logs appear.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
// It is the default logger used when none is supplied.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps an existing slog logger. Passing nil uses slog.Default.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// namedLogger prefixes every message's fields with the component name.
// Module contexts use it so each module logs under its own name.
type namedLogger struct {
	name string
	base Logger
}

func newNamedLogger(name string, base Logger) Logger {
	return &namedLogger{name: name, base: base}
}

func (l *namedLogger) with(args []any) []any {
	return append([]any{"module", l.name}, args...)
}

func (l *namedLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l *namedLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }
func (l *namedLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l *namedLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
