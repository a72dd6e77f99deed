package app

import (
	"io"
	"log/slog"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds an isolated logger writing to outW. Unknown levels fall
// back to info and anything but "json" is rendered as text. The global
// logger is left alone.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	level, ok := logLevels[levelStr]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
