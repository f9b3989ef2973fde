// Package locks grants merge locks keyed by service and critical path group.
// Acquisition is all-or-nothing: the whole key table lives in one state
// entry that is replaced by compare-and-swap, so a partial grant is never
// visible to another reader.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

const (
	tableKey     = "locks:table"
	maxCASRounds = 8
)

const (
	ReasonKeyHeld   = "key_held"
	ReasonMaxMerges = "max_concurrent_merges"

	DefaultTTL       = 15 * time.Minute
	DefaultMaxMerges = 2
)

// ErrNotGranted is wrapped by every BlockedError.
var ErrNotGranted = errors.New("lock not granted")

// BlockedError names the key and holder that prevented a grant.
type BlockedError struct {
	Key    string
	Holder string
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == ReasonMaxMerges {
		return "lock not granted: concurrent merge limit reached"
	}
	return fmt.Sprintf("lock not granted: %s held by %s", e.Key, e.Holder)
}

func (e *BlockedError) Unwrap() error { return ErrNotGranted }

type Config struct {
	TTL                 time.Duration `json:"ttl"`
	MaxConcurrentMerges int           `json:"max_concurrent_merges"`
	CriticalPaths       []string      `json:"critical_paths"`
}

// Trail appends forensic events to the event log.
type Trail interface {
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
}

type Entry struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	PRRef      string    `json:"pr_ref,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type table struct {
	Entries map[string]Entry     `json:"entries"`
	Active  map[string]time.Time `json:"active"`
}

// Status is the read-only view of the lock table.
type Status struct {
	ActiveMerges []string `json:"active_merges"`
	Locks        []Entry  `json:"locks"`
	Config       Config   `json:"config"`
}

type Manager struct {
	cfg     Config
	store   state.Store
	trail   Trail
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

type Options struct {
	Store   state.Store
	Trail   Trail
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Now     func() time.Time
}

func NewManager(cfg Config, opts Options) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxConcurrentMerges <= 0 {
		cfg.MaxConcurrentMerges = DefaultMaxMerges
	}
	cfg.CriticalPaths = cleanPrefixes(cfg.CriticalPaths)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		cfg:     cfg,
		store:   opts.Store,
		trail:   opts.Trail,
		bus:     opts.Bus,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func cleanPrefixes(in []string) []string {
	var out []string
	for _, p := range in {
		if c := cleanPath(p); c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

func matchesPrefix(file, prefix string) bool {
	return file == prefix || strings.HasPrefix(file, prefix+"/")
}

// Keys derives the lock keys for a request: one per service and one per
// critical path group that any changed path falls under.
func (m *Manager) Keys(services, changedPaths []string) []string {
	var keys []string
	for _, svc := range services {
		if svc = strings.TrimSpace(svc); svc != "" {
			keys = append(keys, "service:"+svc)
		}
	}
	for _, prefix := range m.cfg.CriticalPaths {
		for _, p := range changedPaths {
			if matchesPrefix(cleanPath(p), prefix) {
				keys = append(keys, "path:"+prefix)
				break
			}
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (m *Manager) load(ctx context.Context) (table, int64, error) {
	t := table{Entries: map[string]Entry{}, Active: map[string]time.Time{}}
	e, ok, err := state.GetJSON(ctx, m.store, tableKey, &t)
	if err != nil {
		return t, 0, fmt.Errorf("load lock table: %w", err)
	}
	if !ok {
		return table{Entries: map[string]Entry{}, Active: map[string]time.Time{}}, 0, nil
	}
	if t.Entries == nil {
		t.Entries = map[string]Entry{}
	}
	if t.Active == nil {
		t.Active = map[string]time.Time{}
	}
	return t, e.Version, nil
}

func (m *Manager) save(ctx context.Context, t table, version int64) error {
	_, err := state.CompareAndSwapJSON(ctx, m.store, tableKey, version, t, 0)
	return err
}

// sweep drops expired keys and merge slots.
func (t *table) sweep(now time.Time) (purged []string) {
	for k, e := range t.Entries {
		if !now.Before(e.ExpiresAt) {
			delete(t.Entries, k)
			purged = append(purged, k)
		}
	}
	for task, exp := range t.Active {
		if !now.Before(exp) {
			delete(t.Active, task)
		}
	}
	sort.Strings(purged)
	return purged
}

// update runs f against the current table and commits the result with
// compare-and-swap, retrying on concurrent modification. f reports whether
// the table changed.
func (m *Manager) update(ctx context.Context, f func(t *table, now time.Time) (bool, error)) error {
	for range maxCASRounds {
		t, version, err := m.load(ctx)
		if err != nil {
			return err
		}
		now := m.now()
		purged := t.sweep(now)
		changed, ferr := f(&t, now)
		if ferr != nil && len(purged) == 0 {
			return ferr
		}
		if !changed && len(purged) == 0 {
			return ferr
		}
		err = m.save(ctx, t, version)
		if errors.Is(err, state.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save lock table: %w", err)
		}
		if len(purged) > 0 {
			m.logger.Debug("lock sweep purged expired keys", "keys", purged)
		}
		return ferr
	}
	return fmt.Errorf("lock table: %w after %d attempts", state.ErrConflict, maxCASRounds)
}

// Acquire grants every key derived from services and changedPaths to taskID,
// or none of them. A blocked request returns a *BlockedError.
func (m *Manager) Acquire(ctx context.Context, taskID, prRef string, services, changedPaths []string) ([]string, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("lock acquire: task id required")
	}
	keys := m.Keys(services, changedPaths)
	m.record(ctx, pipeline.TopicLockRequested, taskID, audit.KindLockAcquire, audit.DecisionRecord, keys, "", "")

	err := m.update(ctx, func(t *table, now time.Time) (bool, error) {
		for _, k := range keys {
			if e, ok := t.Entries[k]; ok && e.Holder != taskID {
				return false, &BlockedError{Key: k, Holder: e.Holder, Reason: ReasonKeyHeld}
			}
		}
		if _, holding := t.Active[taskID]; !holding && len(t.Active) >= m.cfg.MaxConcurrentMerges {
			return false, &BlockedError{Holder: strings.Join(sortedTasks(t.Active), ","), Reason: ReasonMaxMerges}
		}
		exp := now.Add(m.cfg.TTL)
		for _, k := range keys {
			acquired := now
			if e, ok := t.Entries[k]; ok {
				acquired = e.AcquiredAt
			}
			t.Entries[k] = Entry{Key: k, Holder: taskID, PRRef: prRef, AcquiredAt: acquired, ExpiresAt: exp}
		}
		t.Active[taskID] = exp
		return true, nil
	})

	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		m.logger.Info("merge lock blocked", "task_id", taskID, "blocked_by_key", blocked.Key,
			"blocked_by_task", blocked.Holder, "reason", blocked.Reason)
		m.record(ctx, pipeline.TopicLockBlocked, taskID, audit.KindLockBlock, audit.DecisionDeny, keys, blocked.Reason,
			fmt.Sprintf("blocked_by_key=%s blocked_by_task=%s", blocked.Key, blocked.Holder),
			"blocked_by_key", blocked.Key, "blocked_by_task", blocked.Holder)
		m.metrics.LockDecision(ctx, "blocked")
		return nil, err
	case err != nil:
		return nil, err
	}
	m.logger.Info("merge lock granted", "task_id", taskID, "keys", keys, "pr_ref", prRef)
	m.record(ctx, pipeline.TopicLockGranted, taskID, audit.KindLockGrant, audit.DecisionAllow, keys, "granted", "", "pr_ref", prRef)
	m.metrics.LockDecision(ctx, "granted")
	return keys, nil
}

// Release drops every key and the merge slot held by taskID. Releasing a
// task that holds nothing succeeds.
func (m *Manager) Release(ctx context.Context, taskID, reason string) error {
	var released []string
	err := m.update(ctx, func(t *table, _ time.Time) (bool, error) {
		released = released[:0]
		for k, e := range t.Entries {
			if e.Holder == taskID {
				delete(t.Entries, k)
				released = append(released, k)
			}
		}
		_, active := t.Active[taskID]
		delete(t.Active, taskID)
		return len(released) > 0 || active, nil
	})
	if err != nil {
		return err
	}
	sort.Strings(released)
	m.logger.Info("merge lock released", "task_id", taskID, "keys", released, "reason", reason)
	m.record(ctx, pipeline.TopicLockReleased, taskID, audit.KindLockRelease, audit.DecisionAllow, released, reason, "")
	m.metrics.LockDecision(ctx, "released")
	return nil
}

// Status returns the live lock table. Expired entries are filtered out but
// not purged.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	t, _, err := m.load(ctx)
	if err != nil {
		return Status{}, err
	}
	t.sweep(m.now())
	st := Status{
		ActiveMerges: sortedTasks(t.Active),
		Locks:        make([]Entry, 0, len(t.Entries)),
		Config:       m.cfg,
	}
	for _, e := range t.Entries {
		st.Locks = append(st.Locks, e)
	}
	sort.Slice(st.Locks, func(i, j int) bool { return st.Locks[i].Key < st.Locks[j].Key })
	return st, nil
}

func sortedTasks(active map[string]time.Time) []string {
	out := make([]string, 0, len(active))
	for task := range active {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}

// record writes one lock decision to the event log, the audit trail and the bus.
func (m *Manager) record(ctx context.Context, topic, taskID, kind, decision string, keys []string, reason, detail string, extra ...string) {
	meta := map[string]any{"keys": keys}
	if reason != "" {
		meta["reason"] = reason
	}
	for i := 0; i+1 < len(extra); i += 2 {
		meta[extra[i]] = extra[i+1]
	}
	ev := pipeline.Event{TaskID: taskID, Topic: topic, Status: decision, Metadata: meta}
	if m.trail != nil {
		if _, err := m.trail.AppendEvent(ctx, ev); err != nil {
			m.logger.Warn("lock trail append failed", "task_id", taskID, "topic", topic, "error", err)
		}
	}
	audit.Record(audit.Entry{
		Kind:     kind,
		Decision: decision,
		TaskID:   taskID,
		Subject:  strings.Join(keys, ","),
		Reason:   reason,
		Detail:   detail,
	})
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}
