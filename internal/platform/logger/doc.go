// Package logger provides structured logging for the engine.
//
// It configures a log/slog JSON handler from the server configuration and
// carries request- or task-scoped loggers through context.Context so that
// store and worker code can log with the caller's attributes attached.
package logger
