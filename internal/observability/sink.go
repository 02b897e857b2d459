package observability

import (
	"context"

	"go.uber.org/zap"
)

// LogSink is the indirection that breaks the cyclic import between the
// logger and the durable store: the store needs to log its own errors, and
// the engine wants every per-session log line durably retained
// (logs:<sessionId>, TTL 24h), but the store must not import the logger
// package that in turn would import the store. Callers hand a LogSink to
// whatever wants durable log retention; until the real store-backed sink is
// wired, StderrSink keeps things observable.
type LogSink interface {
	Append(ctx context.Context, sessionID string, level, message string, fields map[string]interface{})
}

// StderrSink is the fallback LogSink used before a durable sink is
// available (e.g. during early startup, or if the store is unreachable).
type StderrSink struct {
	Logger *zap.Logger
}

func NewStderrSink(logger *zap.Logger) *StderrSink {
	return &StderrSink{Logger: logger}
}

func (s *StderrSink) Append(_ context.Context, sessionID string, level, message string, fields map[string]interface{}) {
	zapFields := make([]zap.Field, 0, len(fields)+1)
	zapFields = append(zapFields, zap.String("session_id", sessionID))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	switch level {
	case "error":
		s.Logger.Error(message, zapFields...)
	case "warn":
		s.Logger.Warn(message, zapFields...)
	case "debug":
		s.Logger.Debug(message, zapFields...)
	default:
		s.Logger.Info(message, zapFields...)
	}
}
