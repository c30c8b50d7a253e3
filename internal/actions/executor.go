package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-concierge/internal/audit"
	"github.com/basket/go-concierge/internal/billing"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnrecognized = errors.New("unrecognized action")
	ErrTerminal     = errors.New("terminal action is not executable")
)

// Billing is the subset of the billing client the executor drives.
type Billing interface {
	QueryInvoices(ctx context.Context, params map[string]any) (any, error)
	DownloadDocument(ctx context.Context, id, format, kind string) (*billing.Document, error)
	CreateInvoice(ctx context.Context, invoice map[string]any) (any, error)
}

// File is a binary result the loop stores as a pending artifact.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is a successful action outcome.
type Result struct {
	Content any
	File    *File
}

type Executor struct {
	billing Billing
	trail   *audit.Trail
	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger
}

type ExecutorOption func(*Executor)

func WithAudit(t *audit.Trail) ExecutorOption {
	return func(x *Executor) { x.trail = t }
}

func WithTelemetry(p *otel.Provider, m *otel.Metrics) ExecutorOption {
	return func(x *Executor) {
		if p != nil {
			x.tracer = p.Tracer
		}
		if m != nil {
			x.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

func NewExecutor(b Billing, opts ...ExecutorOption) *Executor {
	x := &Executor{
		billing: b,
		tracer:  otel.Noop().Tracer,
		metrics: otel.NoopMetrics(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs a non-terminal action. Unrecognized actions return
// ErrUnrecognized; terminal actions are handled by the loop itself.
func (x *Executor) Execute(ctx context.Context, a Action) (res Result, err error) {
	switch a.Kind {
	case KindUnrecognized:
		return Result{}, fmt.Errorf("%w: %s", ErrUnrecognized, a.Describe())
	case KindReply:
		return Result{}, ErrTerminal
	}

	ctx, span := otel.StartClientSpan(ctx, x.tracer, "action.execute",
		otel.AttrService.String(a.Service),
		otel.AttrFunction.String(a.Function),
	)
	start := time.Now()
	defer func() {
		kindAttr := otel.AttrFunction.String(a.Kind.String())
		otel.Since(ctx, x.metrics.ActionDuration, start, kindAttr)
		outcome, detail := audit.OutcomeOK, ""
		if err != nil {
			outcome, detail = audit.OutcomeError, err.Error()
			x.metrics.ActionErrors.Add(ctx, 1, metric.WithAttributes(kindAttr))
			x.logger.Warn("action failed", append(shared.LogAttrs(ctx), "action", a.Kind.String(), "error", err)...)
		}
		x.trail.Record(ctx, audit.Entry{
			Service:    a.Service,
			Function:   a.Function,
			Outcome:    outcome,
			Detail:     detail,
			DurationMS: time.Since(start).Milliseconds(),
		})
		otel.EndSpan(span, err)
	}()

	if x.billing == nil {
		return Result{}, billing.ErrNotConfigured
	}
	switch a.Kind {
	case KindBillingQuery:
		out, err := x.billing.QueryInvoices(ctx, a.Params)
		if err != nil {
			return Result{}, err
		}
		return Result{Content: out}, nil
	case KindBillingDownload:
		id := a.FirstParam("id", "invoice_id")
		doc, err := x.billing.DownloadDocument(ctx, id, a.StringParam("format"), a.StringParam("type"))
		if err != nil {
			return Result{}, err
		}
		return Result{
			Content: "Document downloaded: " + doc.Filename,
			File:    &File{Filename: doc.Filename, ContentType: doc.ContentType, Data: doc.Data},
		}, nil
	case KindBillingCreate:
		out, err := x.billing.CreateInvoice(ctx, a.Params)
		if err != nil {
			return Result{}, err
		}
		return Result{Content: out}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnrecognized, a.Describe())
}
