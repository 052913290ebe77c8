package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldWindowID    = "window_id"
	FieldExecutionID = "execution_id"
	FieldSequence    = "sequence"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldModel     = "model"

	// Timing
	FieldDurationMS  = "duration_ms"
	FieldWindowStart = "window_start"
	FieldWindowEnd   = "window_end"
	FieldRetryAt     = "retry_at"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount   = "count"
	FieldAttempt = "attempt"
	FieldSlots   = "slots"

	// Status
	FieldStatus = "status"

	// Jarvis-specific
	FieldSymbol = "symbol" // log glyph (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	windowIDKey    contextKey = "logger_window_id"
	executionIDKey contextKey = "logger_execution_id"
)

// WithWindowID adds a window ID to the context for logging
func WithWindowID(ctx context.Context, windowID string) context.Context {
	return context.WithValue(ctx, windowIDKey, windowID)
}

// WithExecutionID adds a per-attempt execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(windowIDKey).(string); ok && id != "" {
		fields = append(fields, FieldWindowID, id)
	}
	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}

	return fields
}

// FromContext returns base decorated with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
