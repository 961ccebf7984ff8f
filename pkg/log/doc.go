// Package log provides structured logging for the fabric using
// zerolog: component-scoped loggers, a configurable level and
// JSON/console output mode, and helpers for the common one-line
// Info/Warn/Error calls each process emits at startup and shutdown.
package log
