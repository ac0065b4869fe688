package rtc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug; pion's trace output is only
// visible with a handler configured that low.
const levelTrace = slog.LevelDebug - 4

// LoggerFactory adapts slog to pion's logging.LoggerFactory.
type LoggerFactory struct {
	l *slog.Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

// NewLoggerFactory returns a factory whose loggers write to l with a
// "scope" attribute naming the pion subsystem.
func NewLoggerFactory(l *slog.Logger) *LoggerFactory {
	return &LoggerFactory{l: l}
}

// NewLogger implements logging.LoggerFactory.
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{l: f.l.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	l *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, msg string) {
	l.l.Log(context.Background(), level, msg)
}

func (l *leveledLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
