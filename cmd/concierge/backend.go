package main

import (
	"context"
	"fmt"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/cron"
	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/gateway"
	"github.com/basket/go-concierge/internal/persistence"
	"github.com/basket/go-concierge/internal/persistence/pgstore"
)

// backend is the shared store as seen by every component of serve.
type backend interface {
	engine.Store
	gateway.QueueAdmin
	cron.Source
	Close() error
}

var (
	_ backend = (*persistence.Store)(nil)
	_ backend = (*pgstore.Store)(nil)
)

// openBackend opens SQLite for a single host or PostgreSQL when several
// processes share the queues.
func openBackend(ctx context.Context, cfg config.Config, eventBus *bus.Bus) (backend, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Store.PostgresURL, eventBus, pgstore.WithHistoryTTL(cfg.HistoryTTL()))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "", "sqlite":
		s, err := persistence.Open(cfg.Store.SQLitePath, eventBus, persistence.WithHistoryTTL(cfg.HistoryTTL()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
