package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-concierge/internal/shared"
)

var (
	AttrIdentity = attribute.Key("concierge.identity")
	AttrLoopID   = attribute.Key("concierge.loop.id")
	AttrLoopStep = attribute.Key("concierge.loop.step")
	AttrService  = attribute.Key("concierge.action.service")
	AttrFunction = attribute.Key("concierge.action.function")
	AttrKind     = attribute.Key("concierge.event.kind")
	AttrOutcome  = attribute.Key("concierge.outcome")
	AttrProvider = attribute.Key("concierge.oracle.provider")
	AttrTraceID  = attribute.Key("concierge.trace_id")
)

// correlation copies the identity, loop and trace ids carried by ctx onto
// the span so spans can be joined with log lines.
func correlation(ctx context.Context) []attribute.KeyValue {
	var kv []attribute.KeyValue
	if id := shared.Identity(ctx); id != "" {
		kv = append(kv, AttrIdentity.String(id))
	}
	if loop := shared.LoopID(ctx); loop != "" {
		kv = append(kv, AttrLoopID.String(loop))
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		kv = append(kv, AttrTraceID.String(tid))
	}
	return kv
}

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(correlation(ctx)...),
		trace.WithAttributes(attrs...),
	)
}

// StartSpan starts an internal span (drain, loop run, loop step).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts a span for an inbound webhook request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound call to the oracle or a
// collaborator service.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// EndSpan marks span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
