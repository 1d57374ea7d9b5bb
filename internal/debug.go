// Package internal holds logging helpers shared by the vtcp packages.
package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is used for per-segment detail, below slog's debug level.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogAttrs logs to l if it is non-nil.
func LogAttrs(l *slog.Logger, lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), lvl, msg, attrs...)
	}
}

// LogEnabled reports whether l would emit a record at lvl.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// ParseLevel accepts the slog level names plus "trace".
func ParseLevel(s string) (slog.Level, error) {
	if s == "trace" || s == "TRACE" {
		return LevelTrace, nil
	}
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
