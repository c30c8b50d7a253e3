// Package engine drains per-identity queues and runs the bounded
// orchestration loop for each dequeued event.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-concierge/internal/actions"
	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/oracle"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/persistence"
	"go.opentelemetry.io/otel/trace"
)

// QueueStore is the per-identity FIFO.
type QueueStore interface {
	EnqueueEvent(ctx context.Context, identity string, ev event.Event) (int, error)
	DequeueEvent(ctx context.Context, identity string) (event.Event, bool, error)
	QueueLength(ctx context.Context, identity string) (int, error)
}

// LockManager hands out per-identity drain locks. Refresh and release only
// act when the token still matches.
type LockManager interface {
	AcquireLock(ctx context.Context, identity string, ttl time.Duration) (string, bool, error)
	RefreshLock(ctx context.Context, identity, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, identity, token string) (bool, error)
}

type HistoryStore interface {
	ReadHistory(ctx context.Context, identity string) (history.Conversation, error)
	AppendHistory(ctx context.Context, identity string, entries ...history.Entry) (history.Conversation, error)
	ReplaceHistory(ctx context.Context, identity string, conv history.Conversation) error
}

type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a persistence.Artifact) (string, error)
	LoadArtifact(ctx context.Context, id string) (*persistence.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error
}

type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, identity string, payload []byte, reason string) error
}

// Store is everything the engine needs from the shared backend. Both the
// SQLite and PostgreSQL stores satisfy it.
type Store interface {
	QueueStore
	LockManager
	HistoryStore
	ArtifactStore
	DeadLetterSink
}

// Oracle picks the next step and writes the final reply.
type Oracle interface {
	Decide(ctx context.Context, conv history.Conversation) (*oracle.PlanStep, error)
	Render(ctx context.Context, conv history.Conversation) (string, error)
}

// ActionExecutor runs non-terminal actions against external services.
type ActionExecutor interface {
	Execute(ctx context.Context, a actions.Action) (actions.Result, error)
}

// DocumentProcessor receives inbound files.
type DocumentProcessor interface {
	Process(ctx context.Context, filename string, data []byte) (any, error)
}

// Processor handles one dequeued event. A returned error means the event
// could not be handled at all and is dead-lettered.
type Processor interface {
	Process(ctx context.Context, identity string, ev event.Event) error
}

type options struct {
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

// Option configures engine components.
type Option func(*options)

func WithBus(b *bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTelemetry(p *otel.Provider, m *otel.Metrics) Option {
	return func(o *options) {
		if p != nil {
			o.tracer = p.Tracer
		}
		if m != nil {
			o.metrics = m
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		tracer:  otel.Noop().Tracer,
		metrics: otel.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
