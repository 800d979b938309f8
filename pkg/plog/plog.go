package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelNotice sits between INFO and WARN. It is used for per-file progress
// lines (COPY, SKIP, ADD) that are more chatty than regular info output.
const LevelNotice = slog.Level(2)

// levelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. NOTICE and below go to one handler,
// while WARNING and above go to another.
type levelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

func (h *levelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

func (h *levelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

func (h *levelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

func (h *levelDispatchHandler) WithGroup(name string) slog.Handler {
	return &levelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var defaultLogger atomic.Pointer[slog.Logger]
var minLevel = new(slog.LevelVar) // Defaults to INFO.
var quietMode atomic.Bool

// renameCustomLevels maps the custom NOTICE level to a readable name.
func renameCustomLevels(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

func newDispatchLogger() *slog.Logger {
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       minLevel,
		ReplaceAttr: renameCustomLevels,
	})
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: renameCustomLevels,
	})
	return slog.New(&levelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	})
}

func init() {
	defaultLogger.Store(newDispatchLogger())
}

// SetOutput redirects all log output to the given writer, primarily for testing.
func SetOutput(w io.Writer) {
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       minLevel,
		ReplaceAttr: renameCustomLevels,
	})))
}

// SetLevel sets the minimum level by name ("debug", "info", "notice", "warn",
// "error"). Unknown names fall back to INFO.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		minLevel.Set(slog.LevelDebug)
	case "notice":
		minLevel.Set(LevelNotice)
	case "warn", "warning":
		minLevel.Set(slog.LevelWarn)
	case "error":
		minLevel.Set(slog.LevelError)
	default:
		minLevel.Set(slog.LevelInfo)
	}
}

// SetQuiet enables or disables quiet mode. In quiet mode, NOTICE level and
// below are suppressed; warnings and errors still get through.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet reports whether quiet mode is enabled.
func IsQuiet() bool {
	return quietMode.Load()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Debug(msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

// Notice logs a per-file progress message.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
