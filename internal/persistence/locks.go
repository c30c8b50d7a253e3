package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireLock takes the identity's lock if it is free or expired. The returned
// token must be presented to refresh or release the lock.
func (s *Store) AcquireLock(ctx context.Context, identity string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("acquire lock: ttl must be positive")
	}
	token := uuid.NewString()
	now := s.nowMillis()
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO locks (identity, token, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(identity) DO UPDATE
				SET token = excluded.token, expires_at = excluded.expires_at
				WHERE locks.expires_at <= ?;
		`, identity, token, now+ttl.Milliseconds(), now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if n != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// RefreshLock extends the lock only while token still owns it and it has not
// expired.
func (s *Store) RefreshLock(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	now := s.nowMillis()
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE locks SET expires_at = ?
			WHERE identity = ? AND token = ? AND expires_at > ?;
		`, now+ttl.Milliseconds(), identity, token, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock deletes the lock only if token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, identity, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE identity = ? AND token = ?;`, identity, token)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}
