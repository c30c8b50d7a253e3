package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
	"go.opentelemetry.io/otel/metric"
)

const defaultMaxConcurrentDrains = 64

var (
	ErrEmptyIdentity = errors.New("empty identity")
	ErrShuttingDown  = errors.New("engine is shutting down")
)

type Config struct {
	Worker WorkerConfig
	// MaxConcurrentDrains bounds background drains across identities.
	MaxConcurrentDrains int
}

type Status struct {
	ActiveDrains int32  `json:"active_drains"`
	LastError    string `json:"last_error,omitempty"`
}

// Engine is the inbound entrypoint: Submit enqueues and starts a drain it
// does not wait for.
type Engine struct {
	queue  QueueStore
	worker *Worker
	opts   options

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	// drains outlive the request that triggered them
	baseCtx context.Context
	cancel  context.CancelFunc

	active    atomic.Int32
	lastError atomic.Pointer[string]
}

func New(store Store, proc Processor, cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrentDrains <= 0 {
		cfg.MaxConcurrentDrains = defaultMaxConcurrentDrains
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:   store,
		worker:  NewWorker(store, proc, cfg.Worker, opts...),
		opts:    buildOptions(opts),
		sem:     make(chan struct{}, cfg.MaxConcurrentDrains),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Submit appends ev to identity's queue, kicks a background drain and
// returns the queue depth after the append.
func (e *Engine) Submit(ctx context.Context, identity string, ev event.Event) (int, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return 0, ErrEmptyIdentity
	}
	if e.isClosed() {
		return 0, ErrShuttingDown
	}
	depth, err := e.queue.EnqueueEvent(ctx, identity, ev)
	if err != nil {
		e.setLastError(err)
		return 0, err
	}
	e.opts.metrics.EventsEnqueued.Add(ctx, 1, metric.WithAttributes(otel.AttrKind.String(string(ev.Kind))))
	e.opts.logger.Info("event queued", append(shared.LogAttrs(ctx), "identity", identity, "kind", ev.Kind, "queue_depth", depth)...)
	e.Kick(ctx, identity)
	return depth, nil
}

// Kick starts a background drain for identity, carrying ctx's trace id. It
// reports false when the engine is shutting down. A kick that finds the lock held is a no-op; the
// running drain will see the new event before it observes an empty queue.
func (e *Engine) Kick(ctx context.Context, identity string) bool {
	traceID := shared.TraceID(ctx)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.sem }()

		drainCtx := e.baseCtx
		if traceID != "-" {
			drainCtx = shared.WithTraceID(drainCtx, traceID)
		}
		for {
			res, err := e.Drain(drainCtx, identity)
			if err != nil {
				e.setLastError(err)
				return
			}
			if res.Reason != DrainReasonEmpty && res.Reason != DrainReasonLimit {
				return
			}
			// An event enqueued while we were releasing saw the lock busy
			// and relies on this check.
			n, err := e.queue.QueueLength(drainCtx, identity)
			if err != nil || n == 0 || e.isClosed() {
				return
			}
		}
	}()
	return true
}

// Drain runs a drain synchronously on the caller's goroutine.
func (e *Engine) Drain(ctx context.Context, identity string) (DrainResult, error) {
	e.active.Add(1)
	defer e.active.Add(-1)
	return e.worker.Drain(ctx, identity)
}

// Shutdown stops accepting work and waits up to timeout for running drains.
// Drains still running after that are canceled; their locks expire by TTL.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-time.After(timeout):
		e.cancel()
		return fmt.Errorf("shutdown: %d drains still running after %s", e.active.Load(), timeout)
	}
}

func (e *Engine) Status() Status {
	s := Status{ActiveDrains: e.active.Load()}
	if p := e.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
