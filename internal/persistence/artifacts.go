package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/google/uuid"
)

// Artifact is a file produced by an action and held until it is delivered.
type Artifact struct {
	ID          string
	Identity    string
	Filename    string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// SaveArtifact stores a file for identity and returns its id. Artifacts
// share the conversation expiry.
func (s *Store) SaveArtifact(ctx context.Context, a Artifact) (string, error) {
	if a.Identity == "" {
		return "", fmt.Errorf("save artifact: empty identity")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.nowMillis()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (id, identity, filename, content_type, data, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Identity, a.Filename, a.ContentType, a.Data, now, now+s.historyTTL.Milliseconds())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return a.ID, nil
}

// LoadArtifact fetches an unexpired artifact. Missing or expired artifacts
// yield ErrNotFound.
func (s *Store) LoadArtifact(ctx context.Context, id string) (*Artifact, error) {
	var (
		a       Artifact
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity, filename, content_type, data, created_at
		FROM artifacts WHERE id = ? AND expires_at > ?;
	`, id, s.nowMillis()).Scan(&a.ID, &a.Identity, &a.Filename, &a.ContentType, &a.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return &a, nil
}

// DeleteArtifact removes an artifact. Deleting a missing artifact is not an error.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// DeadLetter is an event that could not be processed.
type DeadLetter struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordDeadLetter keeps a failed payload for inspection. Nothing retries it.
func (s *Store) RecordDeadLetter(ctx context.Context, identity string, payload []byte, reason string) error {
	if payload == nil {
		payload = []byte{}
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (identity, payload, reason, created_at) VALUES (?, ?, ?, ?);
		`, identity, payload, reason, s.nowMillis())
		return err
	})
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	s.bus.Publish(bus.TopicQueueDeadLetter, identity, bus.DeadLetterEvent{Reason: reason})
	return nil
}

// ListDeadLetters returns the most recent dead letters first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, payload, reason, created_at
		FROM dead_letters ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var (
			d       DeadLetter
			created int64
		)
		if err := rows.Scan(&d.ID, &d.Identity, &d.Payload, &d.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
