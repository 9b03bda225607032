// Package logging holds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var global atomic.Pointer[slog.Logger]

func init() { global.Store(New("text", slog.LevelInfo, nil)) }

// L returns the global logger.
func L() *slog.Logger { return global.Load() }

// Set replaces the global logger; nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		global.Store(l)
	}
}

// New builds a logger writing to w (stderr when nil). format is "json" or
// anything else for text.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	if lv, ok := levels[strings.ToLower(s)]; ok {
		return lv, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }
