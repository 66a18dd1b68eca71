// Package logging holds the process-wide structured logger shared by the
// rtplan packages. Nothing is logged until SetLogger installs a handler.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger installs l as the logger used by every rtplan package.
// Passing nil restores the silent default. Safe for concurrent use.
//
// Levels:
//   - Debug: per-iteration optimizer values, cache rebuilds
//   - Info: kernel loaded, pyramid built, level converged
//   - Warn: recoverable anomalies (empty histograms, saturated weights)
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
