// Package pgstore implements the shared state store on PostgreSQL so that
// several concierge processes can drain the same queues.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed state store. Expiry uses the server clock.
type Store struct {
	pool       *pgxpool.Pool
	bus        *bus.Bus
	historyTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryTTL sets the sliding expiry of histories and artifacts.
func WithHistoryTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.historyTTL = ttl
		}
	}
}

// Open connects to databaseURL and creates the schema if needed.
func Open(ctx context.Context, databaseURL string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool, bus: eventBus, historyTTL: persistence.DefaultHistoryTTL}
	for _, opt := range opts {
		opt(s)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) HistoryTTL() time.Duration {
	return s.historyTTL
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			id          BIGSERIAL PRIMARY KEY,
			identity    TEXT NOT NULL,
			payload     BYTEA NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_identity ON queue_items(identity, id)`,
		`CREATE TABLE IF NOT EXISTS locks (
			identity   TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			identity   TEXT PRIMARY KEY,
			entries    JSONB NOT NULL DEFAULT '[]'::jsonb,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id           TEXT PRIMARY KEY,
			identity     TEXT NOT NULL,
			filename     TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data         BYTEA NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id         BIGSERIAL PRIMARY KEY,
			identity   TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			reason     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ttlMillis binds a duration as a millisecond interval parameter.
func ttlMillis(d time.Duration) int64 {
	return d.Milliseconds()
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
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO queue_items (identity, payload) VALUES ($1, $2)`, identity, payload); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE identity = $1`, identity).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	s.bus.Publish(bus.TopicQueueEnqueued, identity, bus.EnqueuedEvent{Kind: string(ev.Kind), QueueDepth: depth})
	return depth, nil
}

// DequeueEvent removes and returns the oldest event for identity. Concurrent
// callers skip rows another transaction is already removing.
func (s *Store) DequeueEvent(ctx context.Context, identity string) (event.Event, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		DELETE FROM queue_items
		WHERE id = (
			SELECT id FROM queue_items WHERE identity = $1
			ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, identity).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) QueueLength(ctx context.Context, identity string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE identity = $1`, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]persistence.QueueStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.identity, COUNT(*), MIN(q.enqueued_at), l.expires_at
		FROM queue_items q
		LEFT JOIN locks l ON l.identity = q.identity AND l.expires_at > now()
		GROUP BY q.identity, l.expires_at
		ORDER BY MIN(q.enqueued_at), q.identity`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()
	var out []persistence.QueueStat
	for rows.Next() {
		var (
			st      persistence.QueueStat
			lockExp *time.Time
		)
		if err := rows.Scan(&st.Identity, &st.Depth, &st.OldestAt, &lockExp); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		if lockExp != nil {
			st.LockHeld = true
			st.LockExpires = lockExp.UTC()
		}
		st.OldestAt = st.OldestAt.UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) PendingIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT identity FROM queue_items ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("pending identities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return ids, nil
}

func (s *Store) AcquireLock(ctx context.Context, identity string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("acquire lock: ttl must be positive")
	}
	token := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (identity, token, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (identity) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE locks.expires_at <= now()`, identity, token, ttlMillis(ttl))
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Store) RefreshLock(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET expires_at = now() + $3::bigint * interval '1 millisecond'
		WHERE identity = $1 AND token = $2 AND expires_at > now()`, identity, token, ttlMillis(ttl))
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, identity, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE identity = $1 AND token = $2`, identity, token)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReadHistory(ctx context.Context, identity string) (history.Conversation, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT entries FROM conversations WHERE identity = $1 AND expires_at > now()`, identity).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return decodeConversation(raw)
}

// AppendHistory appends server-side so concurrent writers never lose entries.
func (s *Store) AppendHistory(ctx context.Context, identity string, entries ...history.Entry) (history.Conversation, error) {
	add, err := json.Marshal(history.Conversation(entries))
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	var raw []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (identity, entries, expires_at)
		VALUES ($1, $2::jsonb, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (identity) DO UPDATE SET
			entries = CASE WHEN conversations.expires_at > now()
				THEN conversations.entries || EXCLUDED.entries
				ELSE EXCLUDED.entries END,
			expires_at = EXCLUDED.expires_at
		RETURNING entries`, identity, string(add), ttlMillis(s.historyTTL)).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	return decodeConversation(raw)
}

func (s *Store) ReplaceHistory(ctx context.Context, identity string, conv history.Conversation) error {
	if conv == nil {
		conv = history.Conversation{}
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (identity, entries, expires_at)
		VALUES ($1, $2::jsonb, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (identity) DO UPDATE SET entries = EXCLUDED.entries, expires_at = EXCLUDED.expires_at`,
		identity, string(raw), ttlMillis(s.historyTTL))
	if err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

func (s *Store) ClearHistory(ctx context.Context, identity string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func decodeConversation(raw []byte) (history.Conversation, error) {
	conv := history.Conversation{}
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return conv, nil
}

func (s *Store) SaveArtifact(ctx context.Context, a persistence.Artifact) (string, error) {
	if a.Identity == "" {
		return "", fmt.Errorf("save artifact: empty identity")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, identity, filename, content_type, data, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6::bigint * interval '1 millisecond')`,
		a.ID, a.Identity, a.Filename, a.ContentType, a.Data, ttlMillis(s.historyTTL))
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return a.ID, nil
}

func (s *Store) LoadArtifact(ctx context.Context, id string) (*persistence.Artifact, error) {
	var a persistence.Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, identity, filename, content_type, data, created_at
		FROM artifacts WHERE id = $1 AND expires_at > now()`, id).
		Scan(&a.ID, &a.Identity, &a.Filename, &a.ContentType, &a.Data, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load artifact %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (s *Store) RecordDeadLetter(ctx context.Context, identity string, payload []byte, reason string) error {
	if payload == nil {
		payload = []byte{}
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (identity, payload, reason) VALUES ($1, $2, $3)`, identity, payload, reason); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	s.bus.Publish(bus.TopicQueueDeadLetter, identity, bus.DeadLetterEvent{Reason: reason})
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]persistence.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity, payload, reason, created_at
		FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []persistence.DeadLetter
	for rows.Next() {
		var d persistence.DeadLetter
		if err := rows.Scan(&d.ID, &d.Identity, &d.Payload, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) PurgeExpired(ctx context.Context) (persistence.PurgeResult, error) {
	var out persistence.PurgeResult
	for table, n := range map[string]*int64{
		"locks":         &out.Locks,
		"conversations": &out.Conversations,
		"artifacts":     &out.Artifacts,
	} {
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= now()`)
		if err != nil {
			return out, fmt.Errorf("purge %s: %w", table, err)
		}
		*n = tag.RowsAffected()
	}
	return out, nil
}
