package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below Debug so pion's packet-level tracing stays off unless
// a handler is configured for it explicitly.
const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into logger. Each pion
// subsystem is tagged with its scope.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogFactory{log: logger}
}

type slogFactory struct {
	log *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                  { l.log.Log(context.Background(), levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *slogLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *slogLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *slogLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
