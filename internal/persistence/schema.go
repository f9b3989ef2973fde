package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// migration is one forward-only schema step. Its checksum is derived from
// the statements, so editing an applied migration is caught on open.
type migration struct {
	version int
	name    string
	stmts   []string
}

func (m migration) checksum() string {
	h := sha256.New()
	for _, s := range m.stmts {
		h.Write([]byte(strings.Join(strings.Fields(s), " ")))
		h.Write([]byte{0})
	}
	return m.name + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

var migrations = []migration{
	{version: 1, name: "pipeline-core", stmts: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_order ON events(created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS runs (
			task_id TEXT PRIMARY KEY,
			state TEXT NOT NULL CHECK(state IN ('allocated', 'in_progress', 'building', 'pr_created', 'reviewing', 'validated', 'merged', 'deploying', 'verifying', 'completed', 'failed')),
			version INTEGER NOT NULL,
			terminal_outcome TEXT NOT NULL DEFAULT '',
			run_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state, updated_at);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			spec_text TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			paths_json TEXT NOT NULL DEFAULT '[]',
			checksum TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			processed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_task ON processed_events(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_events(processed_at);`,
		`CREATE TABLE IF NOT EXISTS state_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			version INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_seq (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			value INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO state_seq (id, value) VALUES (1, 0);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
	}},
}

func latestSchemaVersion() int { return migrations[len(migrations)-1].version }

// migrate brings the database up to the newest migration in one
// transaction. A ledger row whose checksum no longer matches the compiled
// migration, or a version newer than this binary knows, refuses startup.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		checksum   TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);`); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	applied, err := appliedChecksums(ctx, tx)
	if err != nil {
		return err
	}
	for v := range applied {
		if v > latestSchemaVersion() {
			return fmt.Errorf("database schema v%d is newer than this binary (v%d)", v, latestSchemaVersion())
		}
	}

	for _, m := range migrations {
		if got, ok := applied[m.version]; ok {
			if got != m.checksum() {
				return fmt.Errorf("schema v%d checksum mismatch: ledger %q, binary %q", m.version, got, m.checksum())
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema v%d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);`,
			m.version, m.checksum(), unixNano(s.now())); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}
	return tx.Commit()
}

func appliedChecksums(ctx context.Context, tx *sql.Tx) (map[int]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()
	out := map[int]string{}
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v)
	return v, err
}
