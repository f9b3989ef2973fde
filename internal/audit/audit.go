// Package audit keeps the append-only operator trail of pipeline decisions:
// lock grants and blocks, transitions, action attempts and gate verdicts.
//
// Entries go to a JSONL file under the home directory and, once the store
// is open, to the audit_log table. The daemon records through the package
// level functions; tests and tools can hold their own Trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/conductor/internal/shared"
)

// Entry kinds.
const (
	KindLoopEvent   = "loop.event"
	KindTransition  = "loop.transition"
	KindAction      = "loop.action"
	KindLockAcquire = "lock.acquire"
	KindLockGrant   = "lock.grant"
	KindLockBlock   = "lock.block"
	KindLockRelease = "lock.release"
	KindTerminalize = "gate.terminalize"
	KindRepair      = "gate.repair"
	KindGovernance  = "governance.arm"
	KindCursorReset = "loop.cursor_reset"
	KindStartup     = "runtime.startup"
	KindAuth        = "gateway.auth"
)

// Decisions.
const (
	DecisionAllow  = "allow"
	DecisionDeny   = "deny"
	DecisionDefer  = "defer"
	DecisionRecord = "record"
)

const dbWriteTimeout = 2 * time.Second

// Entry is one audit record.
type Entry struct {
	Kind     string `json:"kind"`
	Decision string `json:"decision"`
	TaskID   string `json:"task_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (e Entry) redacted() Entry {
	e.Subject = shared.Redact(e.Subject)
	e.Reason = shared.Redact(e.Reason)
	e.Detail = shared.Redact(e.Detail)
	return e
}

// Path is the JSONL trail inside homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// Trail writes entries to a JSONL sink and optionally the audit_log table.
// A nil sink is allowed; deny decisions are still counted.
type Trail struct {
	mu   sync.Mutex
	sink io.WriteCloser
	db   *sql.DB
	now  func() time.Time

	denies atomic.Int64
}

// Open appends to the trail file at path, creating it owner-only.
func Open(path string) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return &Trail{sink: f, now: time.Now}, nil
}

// SetDB mirrors subsequent entries into db's audit_log table.
func (t *Trail) SetDB(db *sql.DB) {
	t.mu.Lock()
	t.db = db
	t.mu.Unlock()
}

// Denies counts deny decisions recorded by t.
func (t *Trail) Denies() int64 { return t.denies.Load() }

// Record redacts the free-text fields of e and appends it. Write errors are
// dropped; the trail never blocks the decision it describes.
func (t *Trail) Record(e Entry) {
	if e.Decision == DecisionDeny {
		t.denies.Add(1)
	}
	e = e.redacted()

	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.now().UTC()
	if t.sink != nil {
		if b, err := json.Marshal(struct {
			Timestamp string `json:"timestamp"`
			Entry
		}{at.Format(time.RFC3339Nano), e}); err == nil {
			_, _ = t.sink.Write(append(b, '\n'))
		}
	}
	if t.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
		_, _ = t.db.ExecContext(ctx,
			`INSERT INTO audit_log (kind, decision, task_id, subject, reason, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			e.Kind, e.Decision, e.TaskID, e.Subject, e.Reason, e.Detail, at.UnixNano())
		cancel()
	}
}

// Close detaches the database and closes the sink.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = nil
	if t.sink == nil {
		return nil
	}
	err := t.sink.Close()
	t.sink = nil
	return err
}

// Stored is an entry read back from audit_log.
type Stored struct {
	ID int64     `json:"id"`
	At time.Time `json:"at"`
	Entry
}

// Filter narrows Query. Empty fields match everything.
type Filter struct {
	TaskID string
	Kind   string
	Limit  int
}

// Query returns audit_log rows oldest first.
func Query(ctx context.Context, db *sql.DB, f Filter) ([]Stored, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	q := `SELECT id, kind, decision, task_id, subject, reason, detail, created_at FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()
	var out []Stored
	for rows.Next() {
		var (
			s  Stored
			ns int64
		)
		if err := rows.Scan(&s.ID, &s.Kind, &s.Decision, &s.TaskID, &s.Subject, &s.Reason, &s.Detail, &ns); err != nil {
			return nil, err
		}
		s.At = time.Unix(0, ns).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	stdMu sync.RWMutex
	std   = &Trail{now: time.Now}
)

func current() *Trail {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// Init points the package trail at Path(homeDir). Repeated calls keep the
// trail already open.
func Init(homeDir string) error {
	stdMu.Lock()
	defer stdMu.Unlock()
	if std.sink != nil {
		return nil
	}
	t, err := Open(Path(homeDir))
	if err != nil {
		return err
	}
	t.denies.Store(std.denies.Load())
	std = t
	return nil
}

// SetDB mirrors package-level records into db.
func SetDB(db *sql.DB) { current().SetDB(db) }

// Record appends e to the package trail.
func Record(e Entry) { current().Record(e) }

// DenyCount returns the deny decisions recorded since startup.
func DenyCount() int64 { return current().Denies() }

// Close closes the package trail. Later records are only counted.
func Close() error {
	stdMu.Lock()
	defer stdMu.Unlock()
	err := std.Close()
	denies := std.denies.Load()
	std = &Trail{now: time.Now}
	std.denies.Store(denies)
	return err
}
