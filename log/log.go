// Package log fixes the stable JSON log schema spec.md §6 requires:
// every structured log line carries at least {event, adapter,
// correlation_id}. It is a thin layer over zerolog, the way the teacher's
// package-level Logger wraps the stdlib log.Logger for every
// producer/flusher/aggregator state-change line in async_producer.go.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger and pins the adapter name that gets
// attached to every event emitted through it.
type Logger struct {
	zl      zerolog.Logger
	adapter string
}

// New returns a Logger writing JSON lines to w, tagging every event with
// adapter (e.g. "orchestrator", "retry", "scheduler").
func New(w io.Writer, adapter string) Logger {
	if w == nil {
		w = os.Stderr
	}
	return Logger{zl: zerolog.New(w).With().Timestamp().Logger(), adapter: adapter}
}

// Default returns a Logger writing to stderr for the given adapter.
func Default(adapter string) Logger {
	return New(os.Stderr, adapter)
}

// Event fields beyond {event, adapter, correlation_id}. Values are
// attached as-is; string, bool, float64, int and error are handled
// specially for compact encoding, anything else falls back to Interface.
type Fields map[string]interface{}

func (l Logger) emit(level zerolog.Level, event, correlationID string, fields Fields) {
	ev := l.zl.WithLevel(level).
		Str("event", event).
		Str("adapter", l.adapter).
		Str("correlation_id", correlationID)
	for k, v := range fields {
		ev = attach(ev, k, v)
	}
	ev.Msg(event)
}

func attach(ev *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch typed := value.(type) {
	case string:
		return ev.Str(key, typed)
	case bool:
		return ev.Bool(key, typed)
	case float64:
		return ev.Float64(key, typed)
	case float32:
		return ev.Float32(key, typed)
	case int:
		return ev.Int(key, typed)
	case int64:
		return ev.Int64(key, typed)
	case error:
		if typed == nil {
			return ev
		}
		return ev.Str(key, typed.Error())
	case nil:
		return ev
	default:
		return ev.Interface(key, typed)
	}
}

// Info emits an info-level structured event.
func (l Logger) Info(event, correlationID string, fields Fields) {
	l.emit(zerolog.InfoLevel, event, correlationID, fields)
}

// Warn emits a warning-level structured event.
func (l Logger) Warn(event, correlationID string, fields Fields) {
	l.emit(zerolog.WarnLevel, event, correlationID, fields)
}

// Error emits an error-level structured event.
func (l Logger) Error(event, correlationID string, fields Fields) {
	l.emit(zerolog.ErrorLevel, event, correlationID, fields)
}

// With returns a Logger for a different adapter name sharing the same
// underlying writer, used when a component (e.g. a scheduler job) wants
// its own adapter tag without constructing a new writer.
func (l Logger) With(adapter string) Logger {
	return Logger{zl: l.zl, adapter: adapter}
}
