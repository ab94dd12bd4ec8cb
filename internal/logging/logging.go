// Package logging provides structured logging for taintguard. Request,
// report and transaction identifiers travel in the context and are attached
// by L.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	reportIDKey  contextKey = "report_id"
	txHashKey    contextKey = "tx_hash"
	loggerKey    contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithReportID tags the context with the fraud report being processed
func WithReportID(ctx context.Context, reportID string) context.Context {
	return context.WithValue(ctx, reportIDKey, reportID)
}

// ReportID extracts the report ID from context
func ReportID(ctx context.Context) string {
	id, _ := ctx.Value(reportIDKey).(string)
	return id
}

// WithTxHash tags the context with the transaction being processed
func WithTxHash(ctx context.Context, txHash string) context.Context {
	return context.WithValue(ctx, txHashKey, txHash)
}

// TxHash extracts the transaction hash from context
func TxHash(ctx context.Context) string {
	h, _ := ctx.Value(txHashKey).(string)
	return h
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if id := ReportID(ctx); id != "" {
		logger = logger.With("report_id", id)
	}
	if h := TxHash(ctx); h != "" {
		logger = logger.With("tx_hash", h)
	}
	return logger
}
