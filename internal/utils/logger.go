package utils

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled logging with verbose mode support
type Logger struct {
	mu    sync.RWMutex
	entry *logrus.Logger
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		globalLogger = &Logger{entry: l}
	})
	return globalLogger
}

// SetVerbose enables or disables debug output
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if verbose {
		l.entry.SetLevel(logrus.DebugLevel)
		l.entry.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
		l.entry.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
}

// IsVerbose returns whether verbose logging is enabled
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entry.IsLevelEnabled(logrus.DebugLevel)
}

// SetOutput redirects log output, mostly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry.SetOutput(w)
}

// WithFields returns a structured entry for diagnostics that carry ids.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields(fields))
}

// Debug logs a debug message (only when verbose is enabled)
func (l *Logger) Debug(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

// Debugf is a convenience function for debug logging
func Debugf(format string, args ...any) {
	GetLogger().Debug(format, args...)
}

// Infof is a convenience function for info logging
func Infof(format string, args ...any) {
	GetLogger().Info(format, args...)
}

// Warnf is a convenience function for warning logging
func Warnf(format string, args ...any) {
	GetLogger().Warn(format, args...)
}

// Errorf is a convenience function for error logging
func Errorf(format string, args ...any) {
	GetLogger().Error(format, args...)
}

// WithFields is a convenience wrapper around the global logger.
func WithFields(fields map[string]any) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// SetVerboseMode is a convenience function to set global verbose mode
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// LogOperation logs the start and end of an operation
func LogOperation(operation string, fn func() error) error {
	logger := GetLogger()
	logger.Debug("Starting operation: %s", operation)

	err := fn()

	if err != nil {
		logger.Debug("Operation failed: %s - %v", operation, err)
	} else {
		logger.Debug("Operation completed: %s", operation)
	}

	return err
}
