// Package logging provides the hierarchical structured logger used by every
// kernel component. It is a thin wrapper over log/slog: no component ever
// reaches for a package-level logger, each one is handed a *Logger by its
// constructor.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is a structured logger that remembers the chain of component names
// used to reach it via Child. Every record emitted carries a "component"
// attribute set to that chain, e.g. "kernel.queue.worker".
type Logger struct {
	slog *slog.Logger
	name string
}

// New builds a root Logger writing JSON records to w at the given level.
func New(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{slog: slog.New(h)}
}

// NewText builds a root Logger writing human-readable text records, useful
// for local development and verbose-flag CLI runs.
func NewText(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{slog: slog.New(h)}
}

// Child returns a logger that prepends name to this logger's component tag.
// Repeated calls compose: root.Child("queue").Child("worker") tags records
// with component "queue.worker".
func (l *Logger) Child(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{slog: l.slog.With("component", full), name: full}
}

// Name returns this logger's dotted component chain.
func (l *Logger) Name() string { return l.name }

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// Slog exposes the underlying *slog.Logger for callers that need to hand it
// to a third-party library expecting one (e.g. an http.Server's ErrorLog).
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Discard returns a Logger that drops every record; handy in tests.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
