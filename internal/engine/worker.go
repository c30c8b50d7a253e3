package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultMaxEventsPerDrain = 20
	defaultLockTTL           = 5 * time.Minute
)

// Drain stop reasons.
const (
	DrainReasonEmpty    = "empty"
	DrainReasonLimit    = "limit"
	DrainReasonBusy     = "busy"
	DrainReasonLockLost = "lock_lost"
	DrainReasonError    = "error"
	DrainReasonCanceled = "canceled"
)

type WorkerConfig struct {
	MaxEventsPerDrain int
	LockTTL           time.Duration
	// HeartbeatInterval is how often the lock is refreshed while an event
	// is being processed. Defaults to LockTTL/3.
	HeartbeatInterval time.Duration
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Processed int
	Failed    int
	Reason    string
}

// Worker drains one identity's queue at a time while holding its lock.
type Worker struct {
	store Store
	proc  Processor
	cfg   WorkerConfig
	opts  options
}

func NewWorker(store Store, proc Processor, cfg WorkerConfig, opts ...Option) *Worker {
	if cfg.MaxEventsPerDrain <= 0 {
		cfg.MaxEventsPerDrain = defaultMaxEventsPerDrain
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LockTTL {
		cfg.HeartbeatInterval = cfg.LockTTL / 3
	}
	return &Worker{store: store, proc: proc, cfg: cfg, opts: buildOptions(opts)}
}

// Drain processes up to MaxEventsPerDrain events for identity. It returns
// immediately with reason "busy" when another worker holds the lock. Store
// failures end the drain and are returned; per-event failures are counted
// and the drain moves on.
func (w *Worker) Drain(ctx context.Context, identity string) (res DrainResult, err error) {
	ctx = shared.WithIdentity(ctx, identity)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	logger := w.opts.logger.With(shared.LogAttrs(ctx)...)
	idAttr := otel.AttrIdentity.String(identity)

	token, ok, err := w.store.AcquireLock(ctx, identity, w.cfg.LockTTL)
	if err != nil {
		logger.Error("acquire lock failed", "class", "infrastructure", "error", err)
		return DrainResult{Reason: DrainReasonError}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		w.opts.metrics.LockBusy.Add(ctx, 1)
		w.opts.bus.Publish(bus.TopicDrainBusy, identity, bus.DrainEvent{Reason: DrainReasonBusy})
		logger.Debug("drain skipped, lock held elsewhere")
		return DrainResult{Reason: DrainReasonBusy}, nil
	}

	ctx, span := otel.StartSpan(ctx, w.opts.tracer, "queue.drain", idAttr)
	start := time.Now()
	w.opts.bus.Publish(bus.TopicDrainStarted, identity, bus.DrainEvent{})

	defer func() {
		// The caller's context may already be done; release must still run.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		released, rerr := w.store.ReleaseLock(relCtx, identity, token)
		if rerr != nil {
			logger.Error("release lock failed", "class", "infrastructure", "error", rerr)
		} else if !released {
			logger.Warn("lock was no longer ours at release")
		}
		otel.Since(ctx, w.opts.metrics.DrainDuration, start, attribute.String("reason", res.Reason))
		w.opts.bus.Publish(bus.TopicDrainFinished, identity, bus.DrainEvent{
			Processed: res.Processed,
			Failed:    res.Failed,
			Reason:    res.Reason,
		})
		logger.Info("drain finished", "processed", res.Processed, "failed", res.Failed, "reason", res.Reason)
		otel.EndSpan(span, err)
	}()

	for n := 0; n < w.cfg.MaxEventsPerDrain; n++ {
		if ctx.Err() != nil {
			res.Reason = DrainReasonCanceled
			return res, nil
		}
		ev, ok, derr := w.store.DequeueEvent(ctx, identity)
		var decodeErr *event.DecodeError
		switch {
		case errors.As(derr, &decodeErr):
			res.Failed++
			w.deadLetter(ctx, identity, decodeErr.Raw, derr.Error())
			continue
		case derr != nil:
			res.Reason = DrainReasonError
			logger.Error("dequeue failed", "class", "infrastructure", "error", derr)
			return res, fmt.Errorf("dequeue: %w", derr)
		case !ok:
			res.Reason = DrainReasonEmpty
			return res, nil
		}

		refreshed, rerr := w.store.RefreshLock(ctx, identity, token, w.cfg.LockTTL)
		if rerr != nil || !refreshed {
			// Another worker may own the queue now. Processing here would
			// break ordering, so park the event.
			reason := "lock lost before processing"
			if rerr != nil {
				reason = "lock refresh failed: " + rerr.Error()
			}
			res.Failed++
			w.deadLetterEvent(ctx, identity, ev, reason)
			if rerr != nil {
				res.Reason = DrainReasonError
				return res, fmt.Errorf("refresh lock: %w", rerr)
			}
			res.Reason = DrainReasonLockLost
			return res, nil
		}

		kindAttr := metric.WithAttributes(otel.AttrKind.String(string(ev.Kind)))
		lost, perr := w.processHeld(ctx, identity, token, ev)
		if perr != nil {
			res.Failed++
			class := errorClass(perr)
			w.opts.metrics.EventsFailed.Add(ctx, 1, kindAttr)
			w.opts.bus.Publish(bus.TopicEventFailed, identity, bus.DeadLetterEvent{Reason: perr.Error()})
			logger.Error("event processing failed", "class", class, "kind", ev.Kind, "error", perr)
			w.deadLetterEvent(ctx, identity, ev, perr.Error())
		} else {
			res.Processed++
			w.opts.metrics.EventsProcessed.Add(ctx, 1, kindAttr)
			w.opts.bus.Publish(bus.TopicEventProcessed, identity, bus.EnqueuedEvent{Kind: string(ev.Kind)})
		}
		if lost {
			logger.Warn("lock lost while processing, stopping drain")
			res.Reason = DrainReasonLockLost
			return res, nil
		}
	}
	res.Reason = DrainReasonLimit
	return res, nil
}

// processHeld runs the processor for one event while a heartbeat keeps the
// identity lock alive. When a refresh is rejected the event context is
// canceled and lost is reported so the drain stops after this event.
func (w *Worker) processHeld(ctx context.Context, identity, token string, ev event.Event) (lost bool, err error) {
	evCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lockLost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-evCtx.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(evCtx), w.cfg.HeartbeatInterval)
				ok, rerr := w.store.RefreshLock(rctx, identity, token, w.cfg.LockTTL)
				rcancel()
				if rerr != nil {
					w.opts.logger.Warn("lock heartbeat failed", append(shared.LogAttrs(ctx), "error", rerr)...)
					continue
				}
				if !ok {
					w.opts.logger.Warn("lock heartbeat rejected", shared.LogAttrs(ctx)...)
					lockLost.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	err = w.process(evCtx, identity, ev)
	cancel()
	<-done
	return lockLost.Load(), err
}

// process runs the processor and turns a panic into an error so one event
// cannot take the drain down with it.
func (w *Worker) process(ctx context.Context, identity string, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.opts.logger.Error("processor panic", append(shared.LogAttrs(ctx), "panic", r, "stack", string(debug.Stack()))...)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc.Process(ctx, identity, ev)
}

// errorClass labels a processing failure for logs: malformed input is
// "decode", everything else is "infrastructure".
func errorClass(err error) string {
	var decodeErr *event.DecodeError
	if errors.Is(err, event.ErrUnknownKind) || errors.As(err, &decodeErr) {
		return "decode"
	}
	return "infrastructure"
}

func (w *Worker) deadLetterEvent(ctx context.Context, identity string, ev event.Event, reason string) {
	payload, err := event.Encode(ev)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", ev.Kind))
	}
	w.deadLetter(ctx, identity, payload, reason)
}

func (w *Worker) deadLetter(ctx context.Context, identity string, payload []byte, reason string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.RecordDeadLetter(dctx, identity, payload, reason); err != nil {
		w.opts.logger.Error("event dropped", append(shared.LogAttrs(ctx), "class", "infrastructure", "reason", reason, "error", err)...)
		return
	}
	w.opts.logger.Warn("event dead-lettered", append(shared.LogAttrs(ctx), "reason", reason)...)
}
