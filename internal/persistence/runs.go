package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

// CreateRun inserts a new run at version 1. It returns ErrRunExists when the
// task already has a run.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if strings.TrimSpace(run.TaskID) == "" {
		return fmt.Errorf("task id required")
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.Version = 1
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var inserted int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (task_id, state, version, terminal_outcome, run_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING;
		`, run.TaskID, string(run.State), run.Version, run.TerminalOutcome, string(payload),
			unixNano(run.CreatedAt), unixNano(run.UpdatedAt))
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if inserted == 0 {
		return ErrRunExists
	}
	return nil
}

// GetRun returns the run for taskID or pipeline.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, taskID string) (*pipeline.Run, error) {
	var (
		payload string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_json, version FROM runs WHERE task_id = ?;
	`, taskID).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", taskID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return decodeRun(payload, version)
}

// SaveRun replaces the stored run if its version still equals expected,
// appending trail (when non-nil) in the same transaction. On success
// run.Version is advanced. A version mismatch returns state.ErrConflict
// and writes nothing.
func (s *Store) SaveRun(ctx context.Context, run *pipeline.Run, expected int64, trail *pipeline.Event) error {
	next := run.Clone()
	next.Version = expected + 1
	next.UpdatedAt = s.now()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	var appended *pipeline.Event
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET state = ?, version = ?, terminal_outcome = ?, run_json = ?, updated_at = ?
			WHERE task_id = ? AND version = ?;
		`, string(next.State), next.Version, next.TerminalOutcome, string(payload),
			unixNano(next.UpdatedAt), next.TaskID, expected)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run rows affected: %w", err)
		}
		if affected != 1 {
			return state.ErrConflict
		}
		if trail != nil {
			ev, err := s.appendEventTx(ctx, tx, *trail)
			if err != nil {
				return err
			}
			appended = &ev
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt
	if appended != nil && s.bus != nil {
		s.bus.Publish(TopicEventAppended, *appended)
	}
	return nil
}

// ListRuns returns runs matching the filter, oldest update first.
func (s *Store) ListRuns(ctx context.Context, f pipeline.RunFilter) ([]*pipeline.Run, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, unixNano(f.UpdatedBefore))
	}
	q := `SELECT run_json, version FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at ASC, task_id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.Run
	for rows.Next() {
		var (
			payload string
			version int64
		)
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeRun(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runs rows: %w", err)
	}
	return out, nil
}

// RunCounts returns the number of runs per state.
func (s *Store) RunCounts(ctx context.Context) (map[pipeline.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM runs GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()
	out := make(map[pipeline.State]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[pipeline.State(st)] = n
	}
	return out, rows.Err()
}

func decodeRun(payload string, version int64) (*pipeline.Run, error) {
	var run pipeline.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	run.Version = version
	return &run, nil
}
