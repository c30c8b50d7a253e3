package otel

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/shared"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatalf("incomplete provider: %+v", p)
	}
	_, span := p.Tracer.Start(context.Background(), "queue.drain")
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	p := Noop()
	_, span := StartSpan(context.Background(), p.Tracer, "loop.run", AttrIdentity.String("u1"), AttrLoopStep.Int(1))
	EndSpan(span, nil)
	_, span = StartServerSpan(context.Background(), p.Tracer, "webhook.inbound")
	EndSpan(span, errors.New("bad request"))
	_, span = StartClientSpan(context.Background(), p.Tracer, "oracle.decide", AttrProvider.String("google"))
	EndSpan(span, nil)
}

func TestInit_InstallsTraceContextPropagator(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none"}, WithServiceVersion("test"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer.Start(context.Background(), "billing.get_invoice")
	defer span.End()
	carrier := propagation.HeaderCarrier(http.Header{})
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}
}

func TestStartSpan_CopiesCorrelationFromContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	ctx := shared.WithIdentity(context.Background(), "5215550001")
	ctx = shared.WithLoopID(ctx, "loop-1")
	_, span := StartSpan(ctx, tp.Tracer("test"), "queue.drain", AttrKind.String("text"))
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	got := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	if got[AttrIdentity] != "5215550001" || got[AttrLoopID] != "loop-1" || got[AttrKind] != "text" {
		t.Fatalf("attributes = %v", got)
	}
	if _, ok := got[AttrTraceID]; ok {
		t.Fatal("untraced context must not set trace id attribute")
	}
}
