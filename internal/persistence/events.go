package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/conductor/internal/pipeline"
)

// TopicEventAppended is published on the bus after an event is durably stored.
const TopicEventAppended = "events.appended"

// Cursor is a position in the event log ordered by (created_at, id).
type Cursor struct {
	At      time.Time `json:"at"`
	EventID string    `json:"event_id"`
}

// Before reports whether the cursor sorts strictly before ev.
func (c Cursor) Before(ev pipeline.Event) bool {
	if ev.CreatedAt.Equal(c.At) {
		return ev.ID > c.EventID
	}
	return ev.CreatedAt.After(c.At)
}

func (s *Store) normalizeEvent(ev pipeline.Event) (pipeline.Event, string, error) {
	ev.Topic = strings.TrimSpace(ev.Topic)
	if ev.Topic == "" {
		return ev, "", fmt.Errorf("event topic required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return ev, "", fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(b)
	}
	return ev, meta, nil
}

// AppendEvent stores ev, assigning an id and timestamp when missing.
// Re-appending an existing id is a no-op, which absorbs at-least-once
// redelivery from webhooks and replayed actions.
func (s *Store) AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error) {
	ev, meta, err := s.normalizeEvent(ev)
	if err != nil {
		return ev, err
	}
	var inserted int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, task_id, topic, status, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, ev.ID, ev.TaskID, ev.Topic, ev.Status, meta, unixNano(ev.CreatedAt))
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	if inserted == 1 && s.bus != nil {
		s.bus.Publish(TopicEventAppended, ev)
	}
	return ev, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev pipeline.Event) (pipeline.Event, error) {
	ev, meta, err := s.normalizeEvent(ev)
	if err != nil {
		return ev, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, task_id, topic, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, ev.ID, ev.TaskID, ev.Topic, ev.Status, meta, unixNano(ev.CreatedAt)); err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// EventsAfter returns up to limit events strictly after the cursor,
// ordered by (created_at, id).
func (s *Store) EventsAfter(ctx context.Context, cur Cursor, limit int) ([]pipeline.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	at := unixNano(cur.At)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, topic, status, metadata_json, created_at
		FROM events
		WHERE created_at > ? OR (created_at = ? AND id > ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, at, at, cur.EventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events after cursor: %w", err)
	}
	return scanEvents(rows)
}

// ListEvents returns events matching the filter in log order.
func (s *Store) ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.TopicPrefix != "" {
		where = append(where, "topic LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.TopicPrefix)+"%")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, unixNano(f.Since))
	}
	q := `SELECT id, task_id, topic, status, metadata_json, created_at FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

// TotalEventCount returns the number of events in the log.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]pipeline.Event, error) {
	defer rows.Close()
	var out []pipeline.Event
	for rows.Next() {
		var (
			ev        pipeline.Event
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Topic, &ev.Status, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = fromUnixNano(createdAt)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event %s metadata: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
