package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/event"
)

// QueueStat summarizes one identity's queue.
type QueueStat struct {
	Identity    string    `json:"identity"`
	Depth       int       `json:"depth"`
	OldestAt    time.Time `json:"oldest_at"`
	LockHeld    bool      `json:"lock_held"`
	LockExpires time.Time `json:"lock_expires"`
}

// EnqueueEvent appends ev to the identity's queue and returns the new length.
func (s *Store) EnqueueEvent(ctx context.Context, identity string, ev event.Event) (int, error) {
	if identity == "" {
		return 0, fmt.Errorf("enqueue: empty identity")
	}
	payload, err := event.Encode(ev)
	if err != nil {
		return 0, err
	}
	var depth int
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_items (identity, payload, enqueued_at) VALUES (?, ?, ?);
		`, identity, payload, s.nowMillis()); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE identity = ?;`, identity).Scan(&depth); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	s.bus.Publish(bus.TopicQueueEnqueued, identity, bus.EnqueuedEvent{Kind: string(ev.Kind), QueueDepth: depth})
	return depth, nil
}

// DequeueEvent removes and returns the oldest event for identity. ok is false
// when the queue is empty. A payload that cannot be decoded is still removed
// and reported as *event.DecodeError with ok true.
func (s *Store) DequeueEvent(ctx context.Context, identity string) (event.Event, bool, error) {
	var payload []byte
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			DELETE FROM queue_items
			WHERE id = (SELECT id FROM queue_items WHERE identity = ? ORDER BY id LIMIT 1)
			RETURNING payload;
		`, identity).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("dequeue event: %w", err)
	}
	ev, err := event.Decode(payload)
	if err != nil {
		return event.Event{}, true, err
	}
	return ev, true, nil
}

// QueueLength returns the number of events waiting for identity.
func (s *Store) QueueLength(ctx context.Context, identity string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE identity = ?;`, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// ListQueues returns every identity with pending events, oldest first.
func (s *Store) ListQueues(ctx context.Context) ([]QueueStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.identity, COUNT(*), MIN(q.enqueued_at), COALESCE(l.expires_at, 0)
		FROM queue_items q
		LEFT JOIN locks l ON l.identity = q.identity AND l.expires_at > ?
		GROUP BY q.identity
		ORDER BY MIN(q.enqueued_at), q.identity;
	`, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []QueueStat
	for rows.Next() {
		var (
			st            QueueStat
			oldest, lockE int64
		)
		if err := rows.Scan(&st.Identity, &st.Depth, &oldest, &lockE); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		st.OldestAt = time.UnixMilli(oldest).UTC()
		if lockE > 0 {
			st.LockHeld = true
			st.LockExpires = time.UnixMilli(lockE).UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PendingIdentities lists identities whose queue is non-empty.
func (s *Store) PendingIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT identity FROM queue_items ORDER BY identity;`)
	if err != nil {
		return nil, fmt.Errorf("pending identities: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
