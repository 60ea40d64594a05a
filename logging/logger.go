package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger and provides the structured logging used by the
// detection pipeline, the CLI and the native plugin.
//
// This organism composes:
//   - FileWriter molecule (log file rotation via lumberjack)
//   - MultiCore molecule (tee output to console + file)
//   - CallbackSink molecule (host debug callback, see callback_sink.go)
//
// Example:
//
//	logger, err := NewLogger(true, zapcore.DebugLevel, os.Stderr, "aruco.log")
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	logger.Info("session created", zap.Int("frame_width", 1280))
//	logger.Infow("image processed", "markers", 3)
type Logger struct {
	// zap is the underlying structured logger
	zap *zap.Logger

	// sugar backs the key-value helpers (Infow, Warnw, Errorw)
	sugar *zap.SugaredLogger

	// isDevelopment indicates if running in development mode
	isDevelopment bool

	// logFilePath is the path to the log file, empty for core-backed loggers
	logFilePath string
}

// NewLogger creates a Logger that writes to console and to a rotating log
// file at logFilePath. Development mode colors the console output; the file
// always receives JSON.
//
// Returns an error if the log file cannot be created or opened.
func NewLogger(isDevelopment bool, level zapcore.Level, console io.Writer, logFilePath string) (*Logger, error) {
	if logFilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}

	core, err := NewMultiCore(level, zapcore.AddSync(console), logFilePath, isDevelopment)
	if err != nil {
		return nil, fmt.Errorf("failed to create log core: %w", err)
	}

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip this wrapper layer
	)

	return &Logger{
		zap:           zapLogger,
		sugar:         zapLogger.Sugar(),
		isDevelopment: isDevelopment,
		logFilePath:   logFilePath,
	}, nil
}

// NewLoggerFromCore wraps an existing zapcore.Core. The plugin uses it with a
// CallbackSink and tests use it with zaptest/observer.
func NewLoggerFromCore(core zapcore.Core) *Logger {
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{
		zap:   zapLogger,
		sugar: zapLogger.Sugar(),
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	zapLogger := zap.NewNop()
	return &Logger{
		zap:   zapLogger,
		sugar: zapLogger.Sugar(),
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs a message at DebugLevel with optional structured fields.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

// Info logs a message at InfoLevel with optional structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Warn logs a message at WarnLevel with optional structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

// Error logs a message at ErrorLevel with optional structured fields.
//
// Example:
//
//	logger.Error("frame rejected",
//	    zap.Error(err),
//	    zap.Int("frame_bytes", len(frame)))
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// Infow logs a message at InfoLevel with loosely-typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warnw logs a message at WarnLevel with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Errorw logs a message at ErrorLevel with loosely-typed key-value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// With creates a child logger with additional fields that will be included
// in all log entries from the child.
//
// Example:
//
//	sessionLogger := logger.With(zap.String("session_id", id))
//	sessionLogger.Debug("frame processed")
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.zap.With(fields...)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named adds a sub-scope to the logger's name.
func (l *Logger) Named(name string) *Logger {
	child := l.zap.Named(name)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// IsDevelopment returns true if the logger is configured for development mode.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the path to the log file.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}
