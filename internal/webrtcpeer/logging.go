package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion's trace output is only
// visible with a handler configured below LevelDebug.
const levelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's internal logging into slog, one logger per
// pion scope ("ice", "dtls", "sctp", ...).
type LoggerFactory struct {
	log *slog.Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

func NewLoggerFactory(logger *slog.Logger) *LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerFactory{log: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *pionLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string)                          { l.emit(levelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.emitf(levelTrace, format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }
