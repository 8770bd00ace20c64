// Package logger provides the shared structured logger for the library.
package logger

import (
	"context"
	"log/slog"
)

// Logger is the package-level logger instance.
var Logger *slog.Logger

// ContextKey is used for context values carried into log records.
type ContextKey string

const (
	// ConnectionIDKey is the context key for the logical connection id.
	ConnectionIDKey ContextKey = "connection_id"
	// TransactionIDKey is the context key for the transaction id.
	TransactionIDKey ContextKey = "transaction_id"
)

func init() {
	Logger = NewLogger(LoadConfig())
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// DebugContext logs a debug message with context fields attached.
func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger.Debug(msg, appendContextArgs(ctx, args...)...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// InfoContext logs an info message with context fields attached.
func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger.Info(msg, appendContextArgs(ctx, args...)...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// WarnContext logs a warning message with context fields attached.
func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger.Warn(msg, appendContextArgs(ctx, args...)...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// ErrorContext logs an error message with context fields attached.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger.Error(msg, appendContextArgs(ctx, args...)...)
}

// With returns a logger that includes the given attributes in each record.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// ErrorField formats an error for structured output.
func ErrorField(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

func appendContextArgs(ctx context.Context, args ...any) []any {
	if ctx == nil {
		return args
	}
	if connID, ok := ctx.Value(ConnectionIDKey).(string); ok {
		args = append(args, "connection_id", connID)
	}
	if txID, ok := ctx.Value(TransactionIDKey).(string); ok {
		args = append(args, "transaction_id", txID)
	}
	return args
}
