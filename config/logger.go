package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logLevel is shared with the config watcher so a reloaded log.level takes
// effect without rebuilding the handler chain.
var logLevel = new(slog.LevelVar)

// SetLogLevel adjusts the live threshold.
func SetLogLevel(level string) {
	logLevel.Set(ParseLevel(level))
}

// ProvideLogger builds the process logger from the log section: text
// handler on stderr, or a size-rotated file when log.file is set.
func ProvideLogger(cfg *Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}

	logLevel.Set(ParseLevel(cfg.Log.Level))
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

// ParseLevel maps the configured threshold onto slog levels; unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
