// Package logging configures the structured and human-readable slog loggers
// shared by the command-line tools and the refinement engines.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu                  sync.RWMutex
	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

// Init configures JSON output to stdout and text output to stderr at the given level.
func Init(level slog.Level) {
	SetOutput(os.Stdout, os.Stderr, level)
}

// SetOutput redirects both loggers. A nil writer disables that logger.
func SetOutput(structuredOutput, humanReadableOutput io.Writer, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}

	var structured, human slog.Handler = slog.DiscardHandler, slog.DiscardHandler
	if structuredOutput != nil {
		structured = slog.NewJSONHandler(structuredOutput, opts)
	}
	if humanReadableOutput != nil {
		human = slog.NewTextHandler(humanReadableOutput, opts)
	}

	mu.Lock()
	structuredLogger = slog.New(structured)
	humanReadableLogger = slog.New(human)
	mu.Unlock()

	slog.SetDefault(structuredLogger)
}

// ParseLevel maps a configuration string to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Structured returns the structured (JSON) logger, or a discard logger before Init.
func Structured() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if structuredLogger == nil {
		return Discard()
	}
	return structuredLogger
}

// HumanReadable returns the text logger, or a discard logger before Init.
func HumanReadable() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if humanReadableLogger == nil {
		return Discard()
	}
	return humanReadableLogger
}

// ForService creates a logger with the 'service' attribute added.
// Before Init it returns a discard logger so library code never needs a nil check.
func ForService(serviceName string) *slog.Logger {
	return Structured().With("service", serviceName)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Trace logs at the custom trace level.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fatal logs at the custom fatal level and exits.
func Fatal(msg string, args ...any) {
	Structured().Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}
