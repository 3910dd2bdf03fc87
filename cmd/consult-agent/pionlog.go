package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogFactory routes pion's internal logging into slog. Trace maps to a level
// below Debug so it stays hidden unless asked for.
type slogFactory struct {
	log *slog.Logger
}

const levelTrace = slog.LevelDebug - 4

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("pion_scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLeveled) Trace(msg string) { l.emit(levelTrace, msg) }
func (l slogLeveled) Tracef(format string, args ...any) { l.emit(levelTrace, fmt.Sprintf(format, args...)) }
func (l slogLeveled) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l slogLeveled) Debugf(format string, args ...any) { l.emit(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l slogLeveled) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l slogLeveled) Infof(format string, args ...any) { l.emit(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l slogLeveled) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l slogLeveled) Warnf(format string, args ...any) { l.emit(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l slogLeveled) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l slogLeveled) Errorf(format string, args ...any) { l.emit(slog.LevelError, fmt.Sprintf(format, args...)) }
