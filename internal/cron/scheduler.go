// Package cron runs the recovery sweep: on a schedule it kicks drains for
// every identity that still has queued events and purges expired rows.
// A drain normally starts on enqueue; the sweep covers events stranded by
// a crash or a drain that stopped early.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-concierge/internal/persistence"
	"github.com/basket/go-concierge/internal/shared"
)

// scheduleParser accepts 5-field expressions and descriptors like "@every 1m".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Source lists pending work and reclaims expired rows.
type Source interface {
	PendingIdentities(ctx context.Context) ([]string, error)
	PurgeExpired(ctx context.Context) (persistence.PurgeResult, error)
}

// Kicker starts a background drain for an identity. It reports false when
// the drain could not be scheduled.
type Kicker interface {
	Kick(ctx context.Context, identity string) bool
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Source   Source
	Kicker   Kicker
	Logger   *slog.Logger
	Schedule string // defaults to "@every 1m"
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Pending int
	Kicked  int
	Purged  persistence.PurgeResult
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	source   Source
	kicker   Kicker
	logger   *slog.Logger
	schedule string

	mu      sync.Mutex
	runner  *cronlib.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.Mutex
	wg      sync.WaitGroup
}

// NewSweeper validates the schedule and returns an idle sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Source == nil || cfg.Kicker == nil {
		return nil, fmt.Errorf("sweeper: source and kicker are required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		source:   cfg.Source,
		kicker:   cfg.Kicker,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start registers the sweep with a cron runner and starts it. One sweep
// runs immediately so a restarted process picks up stranded queues.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runner := cronlib.New(cronlib.WithParser(scheduleParser))
	if _, err := runner.AddFunc(s.schedule, s.runScheduled); err != nil {
		s.cancel()
		return fmt.Errorf("sweeper: add schedule: %w", err)
	}
	s.runner = runner
	runner.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runScheduled()
	}()
	s.logger.Info("cron: sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the runner and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	runner, cancel := s.runner, s.cancel
	s.runner = nil
	s.mu.Unlock()
	if runner == nil {
		return
	}
	cancel()
	<-runner.Stop().Done()
	s.wg.Wait()
	s.logger.Info("cron: sweeper stopped")
}

// runScheduled skips a tick when the previous sweep is still running.
func (s *Sweeper) runScheduled() {
	if !s.running.TryLock() {
		s.logger.Debug("cron: sweep still running, skipping tick")
		return
	}
	defer s.running.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("cron: sweep failed", "error", err)
	}
}

// Sweep kicks a drain for every identity with queued events and then purges
// expired locks, conversations and artifacts. A purge failure is logged and
// does not fail the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	ids, err := s.source.PendingIdentities(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending identities: %w", err)
	}
	res.Pending = len(ids)
	for _, id := range ids {
		kctx := shared.WithTraceID(ctx, shared.NewTraceID())
		if s.kicker.Kick(kctx, id) {
			res.Kicked++
		}
	}

	purged, err := s.source.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("cron: purge expired failed", "error", err)
	} else {
		res.Purged = purged
	}

	if res.Pending > 0 || purged.Locks+purged.Conversations+purged.Artifacts > 0 {
		s.logger.Info("cron: sweep finished",
			"pending", res.Pending,
			"kicked", res.Kicked,
			"purged_locks", purged.Locks,
			"purged_conversations", purged.Conversations,
			"purged_artifacts", purged.Artifacts,
			"at", time.Now().UTC(),
		)
	}
	return res, nil
}
