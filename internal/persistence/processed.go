package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessedEvent is the idempotency record for one consumed event.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// MarkProcessed records that eventID has been consumed. The first record
// wins; later calls for the same id return deduped=true and change nothing.
func (s *Store) MarkProcessed(ctx context.Context, eventID, taskID, outcome, detail string) (deduped bool, err error) {
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id required")
	}
	var inserted int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, task_id, outcome, detail, processed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING;
		`, eventID, taskID, outcome, detail, unixNano(s.now()))
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}
	return inserted == 0, nil
}

// IsProcessed reports whether eventID already has an idempotency record.
func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?;`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

// GetProcessed returns the idempotency record for eventID, or nil when absent.
func (s *Store) GetProcessed(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	var (
		p  ProcessedEvent
		at int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, task_id, outcome, detail, processed_at
		FROM processed_events WHERE event_id = ?;
	`, eventID).Scan(&p.EventID, &p.TaskID, &p.Outcome, &p.Detail, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select processed event: %w", err)
	}
	p.ProcessedAt = fromUnixNano(at)
	return &p, nil
}
