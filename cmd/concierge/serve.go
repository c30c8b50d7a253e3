package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/basket/go-concierge/internal/actions"
	"github.com/basket/go-concierge/internal/audit"
	"github.com/basket/go-concierge/internal/billing"
	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/channels"
	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/cron"
	"github.com/basket/go-concierge/internal/documents"
	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/gateway"
	"github.com/basket/go-concierge/internal/oracle"
	otelPkg "github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/telemetry"
)

// submitFunc adapts a function to channels.Submitter. The Telegram channel
// is built before the engine it submits to.
type submitFunc func(ctx context.Context, identity string, ev event.Event) (int, error)

func (f submitFunc) Submit(ctx context.Context, identity string, ev event.Event) (int, error) {
	return f(ctx, identity, ev)
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "log to file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; admin API and event stream are disabled")
	}

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer trail.Close()

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.WithServiceVersion(Version))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := openBackend(ctx, cfg, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "driver", cfg.Store.Driver)

	orc, err := oracle.New(ctx, oracle.Config{
		Provider:         cfg.Oracle.Provider,
		Model:            cfg.Oracle.Model,
		APIKey:           cfg.OracleAPIKey(),
		BaseURL:          cfg.Oracle.BaseURL,
		SystemPrompt:     cfg.SystemPrompt,
		MaxContextTokens: cfg.History.MaxContextTokens,
		Timeout:          seconds(cfg.Oracle.TimeoutSeconds),
	}, oracle.WithTelemetry(otelProvider, metrics), oracle.WithLogger(logger))
	if err != nil {
		fatalStartup(logger, "E_ORACLE_INIT", err)
	}
	if !orc.LLMEnabled() {
		logger.Warn("no oracle API key configured; using the offline planner", "provider", cfg.Oracle.Provider)
	}

	var billingOpts []billing.Option
	if cfg.Billing.User != "" {
		billingOpts = append(billingOpts, billing.WithBasicAuth(cfg.Billing.User, cfg.Billing.Password))
	}
	billingClient := billing.New(cfg.Billing.BaseURL, seconds(cfg.Billing.TimeoutSeconds), billingOpts...)
	if !billingClient.Configured() {
		logger.Warn("billing.base_url is empty; billing actions will fail")
	}
	executor := actions.NewExecutor(billingClient,
		actions.WithAudit(trail),
		actions.WithTelemetry(otelProvider, metrics),
		actions.WithLogger(logger),
	)
	docs := documents.New(cfg.Documents.URL, seconds(cfg.Documents.TimeoutSeconds))

	var eng *engine.Engine
	router := channels.NewRouter(channels.NewHTTPGateway(cfg.Delivery.GatewayURL, seconds(cfg.Delivery.TimeoutSeconds)))
	var tg *channels.TelegramChannel
	if cfg.Telegram.Enabled {
		tg = channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs,
			submitFunc(func(ctx context.Context, identity string, ev event.Event) (int, error) {
				return eng.Submit(ctx, identity, ev)
			}), logger)
		router.Handle(channels.TelegramPrefix, tg)
	}

	engOpts := []engine.Option{
		engine.WithBus(eventBus),
		engine.WithLogger(logger),
		engine.WithTelemetry(otelProvider, metrics),
	}
	loop := engine.NewLoop(store, store, orc, executor, router, engine.LoopConfig{
		MaxSteps:      cfg.Loop.MaxSteps,
		FallbackReply: cfg.Loop.FallbackReply,
	}, engOpts...)
	files := engine.NewFileProcessor(store, docs, engOpts...)
	eng = engine.New(store, engine.NewDispatcher(loop, files), engine.Config{
		Worker: engine.WorkerConfig{
			MaxEventsPerDrain: cfg.Queue.MaxEventsPerDrain,
			LockTTL:           cfg.LockTTL(),
		},
		MaxConcurrentDrains: cfg.Queue.MaxConcurrentDrains,
	}, engOpts...)
	logger.Info("startup phase", "phase", "engine_ready",
		"max_events_per_drain", cfg.Queue.MaxEventsPerDrain,
		"lock_ttl", cfg.LockTTL(),
		"max_steps", cfg.Loop.MaxSteps)

	limiter := gateway.NewRateLimiter(cfg.RateLimit)
	limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	gw := gateway.New(gateway.Config{
		Submitter:         eng,
		Queues:            store,
		Drainer:           eng,
		Bus:               eventBus,
		Limiter:           limiter,
		AuthToken:         cfg.AuthToken,
		MaxBodyBytes:      cfg.Queue.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Telemetry:         otelProvider,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (change bind_addr in config.yaml or CONCIERGE_BIND_ADDR)", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Sweep.Enabled {
		sweeper, err := cron.NewSweeper(cron.Config{
			Source:   store,
			Kicker:   eng,
			Logger:   logger,
			Schedule: cfg.Sweep.Schedule,
		})
		if err != nil {
			fatalStartup(logger, "E_SWEEP_INIT", err)
		}
		if err := sweeper.Start(ctx); err != nil {
			fatalStartup(logger, "E_SWEEP_INIT", err)
		}
		defer sweeper.Stop()
	}

	if tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	}

	watchSystemPrompt(ctx, cfg.SystemPromptPath(), orc, logger)
	logger.Info("startup phase", "phase", "serving")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then wait for drains already holding a lock.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := eng.Shutdown(seconds(cfg.Queue.DrainTimeoutSeconds)); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return 0
}

// watchSystemPrompt reloads the oracle prompt whenever its file changes.
func watchSystemPrompt(ctx context.Context, path string, orc *oracle.GenkitOracle, logger *slog.Logger) {
	if path == "" {
		return
	}
	w := config.NewWatcher(logger, path)
	if err := w.Start(ctx); err != nil {
		logger.Warn("system prompt watcher disabled", "error", err)
		return
	}
	go func() {
		for range w.Events() {
			b, err := os.ReadFile(path)
			if err != nil {
				logger.Warn("system prompt reload failed", "path", path, "error", err)
				continue
			}
			orc.UpdateSystemPrompt(string(b))
			logger.Info("system prompt reloaded", "path", path, "bytes", len(b))
		}
	}()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
