// Package dlog is the thin log/slog wrapper the engine uses for advisory
// diagnostics (spec §3's "dlog adapter"): page-table events worth knowing
// about but never load-bearing for correctness, in the "pkg: verb" message
// style used throughout internal/hv/kvm.
package dlog

import "log/slog"

// Warn logs an advisory warning, e.g. a failed page allocation while
// populating a table.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Debug logs fine-grained tracing, e.g. one line per sub-table that defrag
// collapses.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Error logs a failure the caller is about to propagate as an error value.
// No package in this module calls it at present.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
