package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldJobID      = "job_id"
	FieldWorkflowID = "workflow_id"
	FieldRequestID  = "request_id"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS  = "duration_ms"
	FieldScheduledAt = "scheduled_at"

	// Errors
	FieldError  = "error"
	FieldReason = "reason"

	// Counts
	FieldCount     = "count"
	FieldRecovered = "recovered"
	FieldPurged    = "purged"

	// Status
	FieldStatus = "status"
	FieldFrom   = "from"
	FieldTo     = "to"

	// Dispatch
	FieldRecipient    = "recipient"
	FieldChannel      = "channel"
	FieldFallbackUsed = "fallback_used"
	FieldStep         = "step"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	FieldSymbol = "symbol" // segment symbol (꩜, ✿, ❀, ⊔, ...)
)

type contextKey string

const (
	jobIDKey      contextKey = "logger_job_id"
	workflowIDKey contextKey = "logger_workflow_id"
	requestIDKey  contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithWorkflowID adds a workflow ID to the context for logging
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key/value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if workflowID, ok := ctx.Value(workflowIDKey).(string); ok && workflowID != "" {
		fields = append(fields, FieldWorkflowID, workflowID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	pool := async.NewPool(cfg, logger.ComponentLogger("pulse.async"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
