package apperr

import (
	"context"
	"log/slog"
)

// Sink receives hard failures for reporting.
type Sink interface {
	Handle(ctx context.Context, err *Error)
}

// LogSink reports errors through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Handle(ctx context.Context, err *Error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", string(err.Kind), "op", err.Op}
	for k, v := range err.Details {
		attrs = append(attrs, k, v)
	}
	if err.Err != nil {
		attrs = append(attrs, "error", err.Err)
	}
	logger.ErrorContext(ctx, "operation failed", attrs...)
}

// NopSink discards errors.
type NopSink struct{}

func (NopSink) Handle(context.Context, *Error) {}
