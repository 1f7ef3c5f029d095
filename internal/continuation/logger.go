package continuation

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// WatermillLogger adapts zap to watermill.LoggerAdapter.
type WatermillLogger struct {
	l *zap.Logger
}

// NewWatermillLogger wraps l.
func NewWatermillLogger(l *zap.Logger) *WatermillLogger {
	return &WatermillLogger{l: l.With(zap.String("component", "watermill"))}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info(msg, zapFields(fields)...)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

// Trace maps to debug; zap has no lower level.
func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{l: w.l.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// TemporalLogger adapts zap to the Temporal SDK log.Logger interface.
type TemporalLogger struct {
	s *zap.SugaredLogger
}

// NewTemporalLogger wraps l.
func NewTemporalLogger(l *zap.Logger) *TemporalLogger {
	return &TemporalLogger{s: l.With(zap.String("component", "temporal")).Sugar()}
}

func (t *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.s.Debugw(msg, pairs(keyvals)...)
}

func (t *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	t.s.Infow(msg, pairs(keyvals)...)
}

func (t *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.s.Warnw(msg, pairs(keyvals)...)
}

func (t *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	t.s.Errorw(msg, pairs(keyvals)...)
}

// pairs stringifies keys so the sugared logger never logs an "ignored key"
// error for the SDK's non-string keys.
func pairs(keyvals []interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals)+1)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			out = append(out, key, "(missing)")
			break
		}
		out = append(out, key, keyvals[i+1])
	}
	return out
}
