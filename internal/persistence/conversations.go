package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-concierge/internal/history"
)

// ReadHistory returns the identity's conversation, or an empty one when none
// is stored or it has expired.
func (s *Store) ReadHistory(ctx context.Context, identity string) (history.Conversation, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT entries FROM conversations WHERE identity = ? AND expires_at > ?;
	`, identity, s.nowMillis()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var conv history.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return conv, nil
}

// AppendHistory adds entries to the stored conversation and refreshes its
// expiry. It returns the stored conversation.
func (s *Store) AppendHistory(ctx context.Context, identity string, entries ...history.Entry) (history.Conversation, error) {
	var out history.Conversation
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		conv := history.Conversation{}
		var raw string
		err = tx.QueryRowContext(ctx, `
			SELECT entries FROM conversations WHERE identity = ? AND expires_at > ?;
		`, identity, s.nowMillis()).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &conv); err != nil {
				return fmt.Errorf("decode history: %w", err)
			}
		}
		for _, e := range entries {
			conv = conv.With(e)
		}
		if err := s.writeHistoryTx(ctx, tx, identity, conv); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = conv
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	return out, nil
}

// ReplaceHistory overwrites the stored conversation and refreshes its expiry.
func (s *Store) ReplaceHistory(ctx context.Context, identity string, conv history.Conversation) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.writeHistoryTx(ctx, tx, identity, conv); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// ClearHistory removes the identity's conversation.
func (s *Store) ClearHistory(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE identity = ?;`, identity); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Store) writeHistoryTx(ctx context.Context, tx *sql.Tx, identity string, conv history.Conversation) error {
	if conv == nil {
		conv = history.Conversation{}
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (identity, entries, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET entries = excluded.entries, expires_at = excluded.expires_at;
	`, identity, string(raw), s.nowMillis()+s.historyTTL.Milliseconds())
	return err
}
