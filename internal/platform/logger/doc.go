// Package logger configures structured logging for the application.
//
// It builds a log/slog logger from configuration (JSON by default) and
// carries request- or task-scoped loggers through context.Context so that
// stores and services log with the caller's attributes.
package logger
