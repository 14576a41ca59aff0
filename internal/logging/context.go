package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type taskCtxKey struct{}
type phaseCtxKey struct{}

// WithTaskID attaches a task id to the context for log correlation.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// WithPhaseID attaches a phase id to the context for log correlation.
func WithPhaseID(ctx context.Context, phaseID string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phaseID)
}

// TaskIDFromContext returns the task id, or empty string if unset.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// PhaseIDFromContext returns the phase id, or empty string if unset.
func PhaseIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if phaseID := PhaseIDFromContext(ctx); phaseID != "" {
		fields = append(fields, zap.String("phase.id", phaseID))
	}

	return fields
}
