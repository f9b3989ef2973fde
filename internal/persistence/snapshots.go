package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/conductor/internal/pipeline"
)

// InsertSnapshot writes snap once. It reports false, without error, when a
// snapshot for the task already exists; the stored row is never replaced.
func (s *Store) InsertSnapshot(ctx context.Context, snap pipeline.Snapshot) (bool, error) {
	paths, err := json.Marshal(snap.Paths)
	if err != nil {
		return false, fmt.Errorf("encode snapshot paths: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	var inserted int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO snapshots (task_id, title, spec_text, domain, paths_json, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING;
		`, snap.TaskID, snap.Title, snap.SpecText, snap.Domain, string(paths), snap.Checksum, unixNano(snap.CreatedAt))
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return inserted == 1, nil
}

// LoadSnapshot returns the stored snapshot exactly as written, or
// pipeline.ErrNotFound. Checksum verification is the caller's job.
func (s *Store) LoadSnapshot(ctx context.Context, taskID string) (*pipeline.Snapshot, error) {
	var (
		snap      pipeline.Snapshot
		paths     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, title, spec_text, domain, paths_json, checksum, created_at
		FROM snapshots WHERE task_id = ?;
	`, taskID).Scan(&snap.TaskID, &snap.Title, &snap.SpecText, &snap.Domain, &paths, &snap.Checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", taskID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &snap.Paths); err != nil {
		return nil, fmt.Errorf("decode snapshot paths: %w", err)
	}
	snap.CreatedAt = fromUnixNano(createdAt)
	return &snap, nil
}
