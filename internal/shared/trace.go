package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type identityKey struct{}
type loopIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithIdentity attaches the conversation identity being processed.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// Identity extracts the identity from context. Returns "" if absent.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLoopID attaches the orchestration loop run id.
func WithLoopID(ctx context.Context, loopID string) context.Context {
	return context.WithValue(ctx, loopIDKey{}, loopID)
}

// LoopID extracts the loop id. Returns "" if absent.
func LoopID(ctx context.Context) string {
	if v, ok := ctx.Value(loopIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the context's correlation fields for slog.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{slog.String("trace_id", TraceID(ctx))}
	if id := Identity(ctx); id != "" {
		attrs = append(attrs, slog.String("identity", id))
	}
	if loop := LoopID(ctx); loop != "" {
		attrs = append(attrs, slog.String("loop_id", loop))
	}
	return attrs
}
