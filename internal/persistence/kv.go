package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/conductor/internal/state"
)

var _ state.Store = (*Store)(nil)

func (s *Store) liveEntryTx(ctx context.Context, tx *sql.Tx, key string, now time.Time) (state.Entry, bool, error) {
	var (
		e         state.Entry
		expiresAt int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT key, value, version, expires_at FROM state_entries WHERE key = ?;
	`, key).Scan(&e.Key, &e.Value, &e.Version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Entry{}, false, nil
	}
	if err != nil {
		return state.Entry{}, false, fmt.Errorf("select state %q: %w", key, err)
	}
	e.ExpiresAt = fromUnixNano(expiresAt)
	if e.Expired(now) {
		return state.Entry{}, false, nil
	}
	return e, true, nil
}

func (s *Store) putEntryTx(ctx context.Context, tx *sql.Tx, key string, value []byte, ttl time.Duration, now time.Time) (state.Entry, error) {
	var version int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE state_seq SET value = value + 1 WHERE id = 1 RETURNING value;
	`).Scan(&version); err != nil {
		return state.Entry{}, fmt.Errorf("advance state sequence: %w", err)
	}
	e := state.Entry{Key: key, Value: value, Version: version}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_entries (key, value, version, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at;
	`, key, value, version, unixNano(e.ExpiresAt), unixNano(now)); err != nil {
		return state.Entry{}, fmt.Errorf("upsert state %q: %w", key, err)
	}
	return e, nil
}

func (s *Store) stateTx(ctx context.Context, f func(tx *sql.Tx, now time.Time) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin state tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx, s.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) Get(ctx context.Context, key string) (state.Entry, bool, error) {
	var (
		e  state.Entry
		ok bool
	)
	err := s.stateTx(ctx, func(tx *sql.Tx, now time.Time) error {
		var err error
		e, ok, err = s.liveEntryTx(ctx, tx, key, now)
		return err
	})
	return e, ok, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (state.Entry, error) {
	var e state.Entry
	err := s.stateTx(ctx, func(tx *sql.Tx, now time.Time) error {
		var err error
		e, err = s.putEntryTx(ctx, tx, key, value, ttl, now)
		return err
	})
	return e, err
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (state.Entry, error) {
	var e state.Entry
	err := s.stateTx(ctx, func(tx *sql.Tx, now time.Time) error {
		cur, _, err := s.liveEntryTx(ctx, tx, key, now)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			e = cur
			return state.ErrConflict
		}
		e, err = s.putEntryTx(ctx, tx, key, value, ttl, now)
		return err
	})
	return e, err
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected int64) error {
	return s.stateTx(ctx, func(tx *sql.Tx, now time.Time) error {
		cur, _, err := s.liveEntryTx(ctx, tx, key, now)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return state.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete state %q: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM state_entries WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete state %q: %w", key, err)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context, prefix string) ([]state.Entry, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, expires_at
		FROM state_entries
		WHERE key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key ASC;
	`, escapeLike(prefix)+"%", unixNano(now))
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()
	var out []state.Entry
	for rows.Next() {
		var (
			e         state.Entry
			expiresAt int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		e.ExpiresAt = fromUnixNano(expiresAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state rows: %w", err)
	}
	return out, nil
}

// PurgeExpiredState deletes state entries whose TTL has elapsed.
func (s *Store) PurgeExpiredState(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM state_entries WHERE expires_at != 0 AND expires_at <= ?;
	`, unixNano(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
