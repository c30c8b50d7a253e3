package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-concierge/internal/actions"
	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/channels"
	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/oracle"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/persistence"
	"github.com/basket/go-concierge/internal/shared"
	"github.com/google/uuid"
)

// LoopStatus constants.
const (
	LoopStatusCompleted = "completed"
	LoopStatusFallback  = "fallback"
	LoopStatusBudget    = "budget_exceeded"
)

const (
	defaultMaxSteps      = 8
	defaultFallbackReply = "Sorry, I could not understand your request."
)

type LoopConfig struct {
	MaxSteps      int
	FallbackReply string
}

// LoopResult is the outcome of one Run.
type LoopResult struct {
	LoopID string
	Status string
	// Steps counts oracle decisions, including the terminal one.
	Steps  int
	Output string
	// Delivered is false when the reply could not be handed to the channel.
	Delivered bool
}

// Loop turns one text message plus history into actions and exactly one
// reply. It only touches history for the identity whose lock the caller holds.
type Loop struct {
	history   HistoryStore
	artifacts ArtifactStore
	oracle    Oracle
	exec      ActionExecutor
	delivery  channels.Deliverer
	cfg       LoopConfig
	opts      options
}

func NewLoop(h HistoryStore, a ArtifactStore, o Oracle, exec ActionExecutor, d channels.Deliverer, cfg LoopConfig, opts ...Option) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = defaultFallbackReply
	}
	return &Loop{
		history:   h,
		artifacts: a,
		oracle:    o,
		exec:      exec,
		delivery:  d,
		cfg:       cfg,
		opts:      buildOptions(opts),
	}
}

// Run records text as a user turn and loops decide/execute until a terminal
// step, an unusable decision or the step cap. Errors are returned only when
// history cannot be read or written; the user then still gets the fallback
// reply unless one was already sent. A nil result with an error means no
// reply went out before the failure.
func (l *Loop) Run(ctx context.Context, identity, text string) (res *LoopResult, err error) {
	loopID := uuid.NewString()
	ctx = shared.WithLoopID(shared.WithIdentity(ctx, identity), loopID)
	ctx, span := otel.StartSpan(ctx, l.opts.tracer, "loop.run",
		otel.AttrIdentity.String(identity),
		otel.AttrLoopID.String(loopID),
	)
	defer func() {
		if err != nil && res == nil {
			l.lastResort(ctx, identity)
		}
		if res != nil {
			l.opts.metrics.LoopSteps.Record(ctx, int64(res.Steps))
			span.SetAttributes(otel.AttrOutcome.String(res.Status), otel.AttrLoopStep.Int(res.Steps))
		}
		otel.EndSpan(span, err)
	}()

	l.opts.bus.Publish(bus.TopicLoopStarted, identity, bus.LoopStepEvent{LoopID: loopID, MaxSteps: l.cfg.MaxSteps})

	conv, err := l.history.AppendHistory(ctx, identity, history.Entry{Role: history.RoleUser, Content: text})
	if err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		plan, derr := l.decide(ctx, conv, step)
		if derr != nil {
			l.opts.logger.Warn("oracle failed", append(shared.LogAttrs(ctx), "step", step, "error", derr)...)
		}
		if plan == nil {
			return l.fallback(ctx, identity, loopID, step, LoopStatusFallback)
		}

		a := actions.Parse(plan.Service, plan.Function, plan.Params)
		l.opts.bus.Publish(bus.TopicLoopStep, identity, bus.LoopStepEvent{
			LoopID:   loopID,
			Step:     step,
			MaxSteps: l.cfg.MaxSteps,
			Service:  a.Service,
			Function: a.Function,
			Status:   a.Kind.String(),
		})

		if a.Terminal() {
			return l.finish(ctx, identity, loopID, step, conv, a)
		}
		conv, err = l.act(ctx, identity, conv, a)
		if err != nil {
			return nil, err
		}
	}

	l.opts.logger.Warn("loop step cap reached", append(shared.LogAttrs(ctx), "max_steps", l.cfg.MaxSteps)...)
	l.opts.bus.Publish(bus.TopicLoopBudget, identity, bus.LoopStepEvent{LoopID: loopID, Step: l.cfg.MaxSteps, MaxSteps: l.cfg.MaxSteps})
	return l.fallback(ctx, identity, loopID, l.cfg.MaxSteps, LoopStatusBudget)
}

func (l *Loop) decide(ctx context.Context, conv history.Conversation, step int) (*oracle.PlanStep, error) {
	ctx, span := otel.StartSpan(ctx, l.opts.tracer, "loop.step", otel.AttrLoopStep.Int(step))
	plan, err := l.oracle.Decide(ctx, conv)
	otel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// act executes a non-terminal action and appends its outcome as a tool turn.
func (l *Loop) act(ctx context.Context, identity string, conv history.Conversation, a actions.Action) (history.Conversation, error) {
	entry := l.actionEntry(ctx, identity, a)
	conv, err := l.history.AppendHistory(ctx, identity, entry)
	if err != nil {
		return nil, fmt.Errorf("append action result: %w", err)
	}
	return conv, nil
}

func (l *Loop) actionEntry(ctx context.Context, identity string, a actions.Action) history.Entry {
	result, err := l.exec.Execute(ctx, a)
	switch {
	case errors.Is(err, actions.ErrUnrecognized):
		return history.Structured(history.RoleTool, map[string]any{
			"error":    "unrecognized action",
			"service":  a.Service,
			"function": a.Function,
		})
	case err != nil:
		return history.Structured(history.RoleTool, map[string]any{
			"service":  a.Service,
			"function": a.Function,
			"error":    err.Error(),
		})
	}

	entry := history.Structured(history.RoleTool, map[string]any{
		"service":  a.Service,
		"function": a.Function,
		"result":   result.Content,
	})
	if f := result.File; f != nil {
		id, serr := l.artifacts.SaveArtifact(ctx, persistence.Artifact{
			Identity:    identity,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Data:        f.Data,
		})
		if serr != nil {
			return history.Structured(history.RoleTool, map[string]any{
				"service":  a.Service,
				"function": a.Function,
				"error":    "store file: " + serr.Error(),
			})
		}
		entry.Artifact = &history.ArtifactRef{ID: id, Filename: f.Filename, ContentType: f.ContentType}
	}
	return entry
}

// finish handles the terminal step: a pending artifact is delivered and
// claimed, otherwise a reply is rendered from history.
func (l *Loop) finish(ctx context.Context, identity, loopID string, step int, conv history.Conversation, a actions.Action) (*LoopResult, error) {
	if ref, ok := conv.PendingArtifact(); ok {
		res, handled, err := l.deliverArtifact(ctx, identity, loopID, step, conv, ref, a.StringParam("message"))
		if err != nil || handled {
			return res, err
		}
		conv = conv.ClaimArtifact(ref.ID)
	}

	reply, err := l.oracle.Render(ctx, conv)
	if err != nil || strings.TrimSpace(reply) == "" {
		l.opts.logger.Warn("reply render failed", append(shared.LogAttrs(ctx), "error", err)...)
		reply = l.cfg.FallbackReply
	}
	if _, err := l.history.AppendHistory(ctx, identity, history.Entry{Role: history.RoleAssistant, Content: reply}); err != nil {
		return nil, fmt.Errorf("append reply: %w", err)
	}
	res := &LoopResult{LoopID: loopID, Status: LoopStatusCompleted, Steps: step, Output: reply}
	res.Delivered = l.deliver(ctx, channels.Reply{Identity: identity, Text: reply})
	l.completed(identity, res)
	return res, nil
}

// deliverArtifact sends the stored file and clears its reference. handled is
// false when the artifact is gone and the caller should render text instead.
func (l *Loop) deliverArtifact(ctx context.Context, identity, loopID string, step int, conv history.Conversation, ref history.ArtifactRef, message string) (*LoopResult, bool, error) {
	art, err := l.artifacts.LoadArtifact(ctx, ref.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		l.opts.logger.Warn("pending artifact expired", append(shared.LogAttrs(ctx), "artifact_id", ref.ID)...)
		if err := l.history.ReplaceHistory(ctx, identity, conv.ClaimArtifact(ref.ID)); err != nil {
			return nil, false, fmt.Errorf("claim artifact: %w", err)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load artifact: %w", err)
	}

	contentType := art.ContentType
	if contentType == "" {
		contentType = channels.MIMEType(art.Filename, "application/octet-stream")
	}
	delivered := l.deliver(ctx, channels.Reply{
		Identity: identity,
		Text:     message,
		File:     &channels.File{Filename: art.Filename, ContentType: contentType, Data: art.Data},
	})

	output := "File delivered: " + art.Filename
	res := &LoopResult{LoopID: loopID, Status: LoopStatusCompleted, Steps: step, Output: output, Delivered: delivered}
	claimed := conv.ClaimArtifact(ref.ID).With(history.Entry{Role: history.RoleAssistant, Content: output})
	if err := l.history.ReplaceHistory(ctx, identity, claimed); err != nil {
		return res, true, fmt.Errorf("claim artifact: %w", err)
	}
	if err := l.artifacts.DeleteArtifact(ctx, ref.ID); err != nil {
		l.opts.logger.Warn("delete artifact failed", append(shared.LogAttrs(ctx), "artifact_id", ref.ID, "error", err)...)
	}

	l.completed(identity, res)
	return res, true, nil
}

// fallback records and delivers the fixed reply used when the oracle gives
// nothing usable or the step cap is hit.
func (l *Loop) fallback(ctx context.Context, identity, loopID string, step int, status string) (*LoopResult, error) {
	reply := l.cfg.FallbackReply
	if _, err := l.history.AppendHistory(ctx, identity, history.Entry{Role: history.RoleAssistant, Content: reply}); err != nil {
		return nil, fmt.Errorf("append fallback: %w", err)
	}
	res := &LoopResult{LoopID: loopID, Status: status, Steps: step, Output: reply}
	res.Delivered = l.deliver(ctx, channels.Reply{Identity: identity, Text: reply})
	l.completed(identity, res)
	return res, nil
}

// lastResort sends the fallback reply without touching history, used when
// the store failed mid-run. Nothing is sent once ctx is done: the lock may
// belong to another worker by then.
func (l *Loop) lastResort(ctx context.Context, identity string) {
	if ctx.Err() != nil {
		return
	}
	if l.deliver(ctx, channels.Reply{Identity: identity, Text: l.cfg.FallbackReply}) {
		l.opts.logger.Warn("history unavailable, sent fallback reply", shared.LogAttrs(ctx)...)
	}
}

func (l *Loop) deliver(ctx context.Context, r channels.Reply) bool {
	if l.delivery == nil {
		l.opts.logger.Warn("no delivery configured, reply dropped", shared.LogAttrs(ctx)...)
		return false
	}
	if err := l.delivery.Deliver(ctx, r); err != nil {
		l.opts.logger.Error("reply delivery failed", append(shared.LogAttrs(ctx), "error", err)...)
		return false
	}
	l.opts.bus.Publish(bus.TopicReplyDelivered, r.Identity, bus.LoopStepEvent{LoopID: shared.LoopID(ctx)})
	return true
}

func (l *Loop) completed(identity string, res *LoopResult) {
	l.opts.bus.Publish(bus.TopicLoopCompleted, identity, bus.LoopStepEvent{
		LoopID:   res.LoopID,
		Step:     res.Steps,
		MaxSteps: l.cfg.MaxSteps,
		Status:   res.Status,
	})
}
