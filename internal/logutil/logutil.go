// Package logutil builds the slog loggers used by gobert.
package logutil

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace is below slog.LevelDebug and is used for per-layer detail.
const LevelTrace slog.Level = -8

// NewLogger returns a text logger writing to w at the given level. Trace
// records are labelled TRACE instead of DEBUG-4.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey {
				if l, ok := attr.Value.Any().(slog.Level); ok && l <= LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			}
			return attr
		},
	}))
}

// Trace logs at LevelTrace on the default logger.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// TraceContext logs at LevelTrace on l.
func TraceContext(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}
