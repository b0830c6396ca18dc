package logger

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// AsynqLogger routes the queue runtime's own messages through a Logger.
type AsynqLogger struct {
	l *Logger
}

var _ asynq.Logger = (*AsynqLogger)(nil)

func NewAsynqLogger(l *Logger) *AsynqLogger {
	return &AsynqLogger{l: l.With(map[string]any{"component": "asynq"})}
}

func (a *AsynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...), nil) }
func (a *AsynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...), nil) }
func (a *AsynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...), nil) }
func (a *AsynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...), nil, nil) }
func (a *AsynqLogger) Fatal(args ...any) { a.l.Fatal(fmt.Sprint(args...), nil) }

// AsynqLevel converts a Level into the queue runtime's level type.
func AsynqLevel(level Level) asynq.LogLevel {
	switch level {
	case LevelDebug:
		return asynq.DebugLevel
	case LevelWarn:
		return asynq.WarnLevel
	case LevelError:
		return asynq.ErrorLevel
	case LevelFatal:
		return asynq.FatalLevel
	default:
		return asynq.InfoLevel
	}
}
