// Package driver is the event-loop driver: a single cooperative poller that
// reads the event log from a persisted cursor, maps each event through the
// rule table to a transition and an optional action, and records an
// idempotency marker before moving the cursor past it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/actions"
	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/controller"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/shared"
	"github.com/basket/conductor/internal/snapshot"
	"github.com/basket/conductor/internal/state"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 100
	DefaultMaxPages     = 10
	DefaultCursorStale  = time.Hour
	DefaultAdvisoryTTL  = 30 * time.Second

	// KeyCursor holds the persisted loop cursor.
	KeyCursor = "loop:cursor"
	// ActorLoop is recorded on transitions and terminalize calls the loop makes.
	ActorLoop = "loop"
)

// Processed outcomes recorded per consumed event.
const (
	OutcomeTransitioned    = "transitioned"
	OutcomeActionOnly      = "action"
	OutcomeResumed         = "resumed"
	OutcomeIrrelevant      = "irrelevant"
	OutcomeNoRule          = "no_rule"
	OutcomeRejected        = "rejected"
	OutcomeGateBlocked     = "gate_blocked"
	OutcomeAlreadyTerminal = "already_terminal"
	OutcomeExhausted       = "exhausted"
	OutcomeIntegrity       = "integrity_failed"
)

// Deferral reason codes.
const (
	CodeAdvisoryBusy = "ADVISORY_LOCK_BUSY"
	CodeTaskDeferred = "TASK_DEFERRED"
	CodeConflict     = "VERSION_CONFLICT"
	CodeStoreError   = "STORE_ERROR"
)

// EventSource is the event log as the loop sees it.
type EventSource interface {
	EventsAfter(ctx context.Context, cur persistence.Cursor, limit int) ([]pipeline.Event, error)
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
}

// ProcessedLog is the idempotency record keyed by event id.
type ProcessedLog interface {
	MarkProcessed(ctx context.Context, eventID, taskID, outcome, detail string) (bool, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

type Config struct {
	Events     EventSource
	Processed  ProcessedLog
	State      state.Store
	Controller *controller.Controller
	Snapshots  *snapshot.Store
	Gate       *integrity.Gate
	Runner     *actions.Runner
	Governance *Governance
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer

	PollInterval time.Duration
	BatchSize    int
	// MaxPages bounds how many batches one iteration scans past a frozen
	// cursor so a deferred event does not starve later ones.
	MaxPages    int
	CursorStale time.Duration
	AdvisoryTTL time.Duration
	Now         func() time.Time
}

// IterationResult summarises one pass over the event log.
type IterationResult struct {
	Fetched     int                `json:"fetched"`
	Processed   int                `json:"processed"`
	Duplicates  int                `json:"duplicates"`
	Skipped     int                `json:"skipped"`
	Deferred    int                `json:"deferred"`
	Armed       bool               `json:"armed"`
	CursorReset bool               `json:"cursor_reset"`
	Cursor      persistence.Cursor `json:"cursor"`
}

type Driver struct {
	cfg   Config
	owner string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *bus.Subscription
}

func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.CursorStale <= 0 {
		cfg.CursorStale = DefaultCursorStale
	}
	if cfg.AdvisoryTTL <= 0 {
		cfg.AdvisoryTTL = DefaultAdvisoryTTL
	}
	if cfg.Governance == nil {
		cfg.Governance = NewGovernance(cfg.State, cfg.Events, cfg.Bus, cfg.Logger, false)
	}
	return &Driver{cfg: cfg, owner: uuid.NewString()}
}

// Start runs the loop in a background goroutine until Stop or ctx ends.
// Appends of rule-relevant events wake the loop before the next tick.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	var wake <-chan bus.Event
	if d.cfg.Bus != nil {
		d.sub = d.cfg.Bus.Subscribe(persistence.TopicEventAppended)
		wake = d.sub.Ch()
	}
	d.wg.Add(1)
	go d.loop(ctx, wake)
	d.cfg.Logger.Info("event loop started", "poll_interval", d.cfg.PollInterval, "batch_size", d.cfg.BatchSize)
}

// Stop lets the current iteration finish and halts further scheduling.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.sub != nil {
		d.cfg.Bus.Unsubscribe(d.sub)
		d.sub = nil
	}
	d.cfg.Logger.Info("event loop stopped")
}

func (d *Driver) loop(ctx context.Context, wake <-chan bus.Event) {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case msg, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev, isEvent := msg.Payload.(pipeline.Event); !isEvent || !Relevant(ev.Topic) {
				continue
			}
		}
		// In-flight work is not cancelled by Stop; only scheduling is.
		res, err := d.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			d.cfg.Logger.Error("loop iteration failed", "error", err)
		} else if res.Fetched > 0 {
			d.cfg.Logger.Debug("loop iteration", "fetched", res.Fetched, "processed", res.Processed,
				"deferred", res.Deferred, "armed", res.Armed)
		}
		timer.Reset(d.cfg.PollInterval)
	}
}

// RunOnce performs a single iteration. Errors from one event never abort
// the iteration; only a failure to read the cursor, the switch or the log
// is returned.
func (d *Driver) RunOnce(ctx context.Context) (IterationResult, error) {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, d.cfg.Tracer, "loop.iteration")
	defer func() {
		span.End()
		d.cfg.Metrics.Iteration(ctx, time.Since(start))
	}()

	var res IterationResult
	cur, reset, err := d.loadCursor(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.CursorReset = reset
	armed, err := d.cfg.Governance.Armed(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.Armed = armed

	var (
		scan          = cur
		frozen        bool
		deferredTasks = make(map[string]bool)
	)
	for range d.cfg.MaxPages {
		batch, err := d.cfg.Events.EventsAfter(ctx, scan, d.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			res.Cursor = cur
			return res, fmt.Errorf("fetch events: %w", err)
		}
		res.Fetched += len(batch)
		for _, ev := range batch {
			scan = persistence.Cursor{At: ev.CreatedAt, EventID: ev.ID}
			if !armed {
				cur = scan
				continue
			}
			if d.handle(ctx, ev, deferredTasks, &res) {
				frozen = true
				continue
			}
			if !frozen {
				cur = scan
				if err := d.saveCursor(ctx, cur); err != nil {
					span.RecordError(err)
					res.Cursor = cur
					return res, err
				}
			}
		}
		if len(batch) < d.cfg.BatchSize || !armed {
			break
		}
	}
	if !armed {
		if err := d.saveCursor(ctx, cur); err != nil {
			return res, err
		}
	}
	res.Cursor = cur
	return res, nil
}

// handle consumes one event and reports whether it was deferred.
func (d *Driver) handle(ctx context.Context, ev pipeline.Event, deferredTasks map[string]bool, res *IterationResult) bool {
	if ev.TaskID == "" {
		res.Skipped++
		return false
	}
	logger := d.cfg.Logger.With("task_id", ev.TaskID, "event_id", ev.ID, "topic", ev.Topic)

	done, err := d.cfg.Processed.IsProcessed(ctx, ev.ID)
	if err != nil {
		logger.Error("idempotency lookup failed", "error", err)
		return d.deferEvent(ctx, ev, deferredTasks, res, CodeStoreError, err.Error())
	}
	if done {
		res.Duplicates++
		d.cfg.Metrics.Event(ctx, "duplicate")
		return false
	}
	if !Relevant(ev.Topic) {
		return d.finish(ctx, ev, deferredTasks, res, outcome{name: OutcomeIrrelevant})
	}
	if deferredTasks[ev.TaskID] {
		return d.deferEvent(ctx, ev, deferredTasks, res, CodeTaskDeferred, "earlier event for task deferred")
	}

	out := d.process(ctx, ev)
	if out.deferCode != "" {
		return d.deferEvent(ctx, ev, deferredTasks, res, out.deferCode, out.detail)
	}
	logger.Info("event processed", "outcome", out.name, "detail", out.detail)
	return d.finish(ctx, ev, deferredTasks, res, out)
}

type outcome struct {
	name      string
	detail    string
	deferCode string
}

func deferOutcome(code, detail string) outcome {
	return outcome{deferCode: code, detail: detail}
}

func (d *Driver) finish(ctx context.Context, ev pipeline.Event, deferredTasks map[string]bool, res *IterationResult, out outcome) bool {
	if _, err := d.cfg.Processed.MarkProcessed(ctx, ev.ID, ev.TaskID, out.name, out.detail); err != nil {
		d.cfg.Logger.ErrorContext(ctx, "mark processed failed", "task_id", ev.TaskID, "event_id", ev.ID, "error", err)
		return d.deferEvent(ctx, ev, deferredTasks, res, CodeStoreError, err.Error())
	}
	res.Processed++
	d.cfg.Metrics.Event(ctx, out.name)
	if out.name != OutcomeIrrelevant {
		audit.Record(audit.Entry{
			Kind:     audit.KindLoopEvent,
			Decision: audit.DecisionRecord,
			TaskID:   ev.TaskID,
			Subject:  ev.Topic,
			Reason:   out.name,
			Detail:   "event_id=" + ev.ID + " " + out.detail,
		})
	}
	return false
}

func (d *Driver) deferEvent(ctx context.Context, ev pipeline.Event, deferredTasks map[string]bool, res *IterationResult, code, detail string) bool {
	deferredTasks[ev.TaskID] = true
	res.Deferred++
	d.cfg.Metrics.Event(ctx, "deferred")
	d.cfg.Logger.InfoContext(ctx, "event deferred", "task_id", ev.TaskID, "event_id", ev.ID, "topic", ev.Topic,
		"reason", code, "detail", detail)
	audit.Record(audit.Entry{
		Kind:     audit.KindLoopEvent,
		Decision: audit.DecisionDefer,
		TaskID:   ev.TaskID,
		Subject:  ev.Topic,
		Reason:   code,
		Detail:   "event_id=" + ev.ID + " " + detail,
	})
	return true
}

// process runs the rule for ev under the task's advisory lock.
func (d *Driver) process(ctx context.Context, ev pipeline.Event) outcome {
	ctx = shared.WithTaskID(ctx, ev.TaskID)
	ctx = shared.WithEventID(ctx, ev.ID)
	ctx = shared.WithActor(ctx, ActorLoop)
	ctx, span := otel.StartSpan(ctx, d.cfg.Tracer, "loop.event",
		otel.AttrTaskID.String(ev.TaskID), otel.AttrEventID.String(ev.ID), otel.AttrTopic.String(ev.Topic))
	defer span.End()

	if d.cfg.Runner != nil {
		backingOff, err := d.cfg.Runner.BackingOff(ctx, ev.TaskID)
		if err != nil {
			return deferOutcome(CodeStoreError, err.Error())
		}
		if backingOff {
			return deferOutcome(actions.CodeBackoffActive, "action backoff active")
		}
	}

	release, ok, err := d.lockTask(ctx, ev.TaskID)
	if err != nil {
		return deferOutcome(CodeStoreError, err.Error())
	}
	if !ok {
		return deferOutcome(CodeAdvisoryBusy, "advisory lock held")
	}
	defer release()

	run, _, err := d.cfg.Controller.GetOrCreate(ctx, ev.TaskID)
	if err != nil {
		return deferOutcome(CodeStoreError, err.Error())
	}
	rule, resume := Match(run.State, ev.Topic)
	if rule == nil {
		return outcome{name: OutcomeNoRule, detail: "state=" + string(run.State)}
	}
	span.SetAttributes(otel.AttrState.String(string(run.State)))

	name := OutcomeResumed
	if !resume {
		var out outcome
		run, out = d.apply(ctx, rule, run, ev)
		if out.name != "" || out.deferCode != "" {
			return out
		}
		name = OutcomeTransitioned
		if rule.Stays() {
			name = OutcomeActionOnly
		}
	}
	if rule.Action == "" || d.cfg.Runner == nil {
		return outcome{name: name, detail: "rule=" + rule.Name}
	}
	return d.runAction(ctx, rule, run, name)
}

// apply performs the rule's transition. A non-empty outcome ends
// processing of the event; otherwise the returned run is current.
func (d *Driver) apply(ctx context.Context, rule *Rule, run *pipeline.Run, ev pipeline.Event) (*pipeline.Run, outcome) {
	ctrl := d.cfg.Controller
	now := d.cfg.Now()

	if rule.Snapshot {
		_, err := d.cfg.Snapshots.Create(ctx, ev.TaskID,
			ev.Str("title", ""), ev.Str("spec_text", ""), ev.Str("domain", ""), ev.Strings("paths"))
		if errors.Is(err, snapshot.ErrIntegrity) {
			return run, d.failIntegrity(ctx, run, err)
		}
		if err != nil {
			return run, deferOutcome(CodeStoreError, err.Error())
		}
	}

	if rule.Gate {
		return run, d.complete(ctx, rule, run, ev, now)
	}
	if rule.Stays() {
		return run, outcome{}
	}

	next, err := ctrl.Transition(ctx, ev.TaskID, controller.Transition{
		To:     rule.To,
		Reason: ev.Topic,
		Actor:  ActorLoop,
		Meta:   map[string]any{"event_id": ev.ID, "rule": rule.Name},
		Patch: func(r *pipeline.Run) {
			if rule.Patch != nil {
				rule.Patch(r, ev, now)
			}
		},
	})
	switch {
	case err == nil:
		return next, outcome{}
	case errors.Is(err, snapshot.ErrIntegrity):
		return run, d.failIntegrity(ctx, run, err)
	case errors.Is(err, controller.ErrIllegalTransition), errors.Is(err, controller.ErrPrecondition):
		return run, outcome{name: OutcomeRejected, detail: err.Error()}
	case errors.Is(err, state.ErrConflict):
		return run, deferOutcome(CodeConflict, err.Error())
	default:
		return run, deferOutcome(CodeStoreError, err.Error())
	}
}

// complete routes a completion through the integrity gate.
func (d *Driver) complete(ctx context.Context, rule *Rule, run *pipeline.Run, ev pipeline.Event, now time.Time) outcome {
	if rule.Patch != nil && !run.State.Terminal() {
		_, err := d.cfg.Controller.Update(ctx, ev.TaskID, rule.Name, func(r *pipeline.Run) {
			rule.Patch(r, ev, now)
		})
		if errors.Is(err, state.ErrConflict) {
			return deferOutcome(CodeConflict, err.Error())
		}
		if err != nil {
			return deferOutcome(CodeStoreError, err.Error())
		}
	}
	res, err := d.cfg.Gate.TerminalizeHeld(ctx, integrity.Request{
		TaskID:  ev.TaskID,
		Outcome: pipeline.OutcomeSuccess,
		RunRef:  ev.ID,
		Actor:   ActorLoop,
	})
	var gateErr *integrity.GateError
	switch {
	case errors.As(err, &gateErr):
		stages := make([]string, len(gateErr.MissingStages))
		for i, s := range gateErr.MissingStages {
			stages[i] = string(s)
		}
		return outcome{name: OutcomeGateBlocked, detail: "missing_stages=" + strings.Join(stages, ",")}
	case errors.Is(err, controller.ErrIllegalTransition):
		return outcome{name: OutcomeRejected, detail: err.Error()}
	case errors.Is(err, state.ErrConflict):
		return deferOutcome(CodeConflict, err.Error())
	case err != nil:
		return deferOutcome(CodeStoreError, err.Error())
	case res.AlreadyTerminal:
		return outcome{name: OutcomeAlreadyTerminal, detail: "terminal_outcome=" + res.TerminalOutcome}
	}
	return outcome{name: OutcomeTransitioned, detail: "rule=" + rule.Name}
}

func (d *Driver) runAction(ctx context.Context, rule *Rule, run *pipeline.Run, name string) outcome {
	_, skipped, err := d.cfg.Runner.Run(ctx, rule.Action, run)
	if err == nil {
		detail := "rule=" + rule.Name + " action=" + string(rule.Action)
		if skipped {
			detail += " already_done"
		}
		return outcome{name: name, detail: detail}
	}
	var ae *actions.Error
	if errors.As(err, &ae) {
		if ae.Kind == actions.KindExhausted {
			return outcome{name: OutcomeExhausted, detail: err.Error()}
		}
		return deferOutcome(ae.Code, err.Error())
	}
	return deferOutcome(CodeStoreError, err.Error())
}

// failIntegrity fails the task after a snapshot integrity error. The error
// is surfaced on the run; nothing is repaired.
func (d *Driver) failIntegrity(ctx context.Context, run *pipeline.Run, cause error) outcome {
	d.cfg.Logger.ErrorContext(ctx, "snapshot integrity failure", "task_id", run.TaskID, "error", cause)
	if !run.State.Terminal() {
		_, err := d.cfg.Controller.Transition(ctx, run.TaskID, controller.Transition{
			To:     pipeline.StateFailed,
			Reason: "snapshot_integrity",
			Actor:  ActorLoop,
			Patch: func(r *pipeline.Run) {
				r.ErrorCode = pipeline.CodeSnapshotIntegrity
				r.Error = cause.Error()
			},
		})
		if errors.Is(err, state.ErrConflict) {
			return deferOutcome(CodeConflict, err.Error())
		}
		if err != nil && !errors.Is(err, controller.ErrIllegalTransition) {
			return deferOutcome(CodeStoreError, err.Error())
		}
	}
	return outcome{name: OutcomeIntegrity, detail: cause.Error()}
}

// lockTask takes the per-task advisory lock. The TTL bounds how long a
// crashed holder blocks the task.
func (d *Driver) lockTask(ctx context.Context, taskID string) (release func(), ok bool, err error) {
	unlock, err := state.TryLock(ctx, d.cfg.State, state.TaskLockKey(taskID), d.owner, d.cfg.AdvisoryTTL)
	if errors.Is(err, state.ErrLocked) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock %s: %w", taskID, err)
	}
	return func() {
		if err := unlock(); err != nil {
			d.cfg.Logger.Warn("advisory unlock failed", "task_id", taskID, "error", err)
		}
	}, true, nil
}

// CursorInfo is the persisted cursor plus the time it last moved.
type CursorInfo struct {
	persistence.Cursor
	SavedAt time.Time `json:"saved_at"`
}

// Cursor returns the stored cursor without applying the staleness reset.
func (d *Driver) Cursor(ctx context.Context) (persistence.Cursor, bool, error) {
	rec, ok, err := d.loadRecord(ctx)
	return rec.Cursor, ok, err
}

func (d *Driver) loadRecord(ctx context.Context) (CursorInfo, bool, error) {
	return ReadCursor(ctx, d.cfg.State)
}

// ReadCursor loads the persisted cursor from store without a running driver.
func ReadCursor(ctx context.Context, store state.Store) (CursorInfo, bool, error) {
	var rec CursorInfo
	_, ok, err := state.GetJSON(ctx, store, KeyCursor, &rec)
	return rec, ok, err
}

func (d *Driver) saveCursor(ctx context.Context, cur persistence.Cursor) error {
	rec := CursorInfo{Cursor: cur, SavedAt: d.cfg.Now().UTC()}
	if _, err := state.SetJSON(ctx, d.cfg.State, KeyCursor, rec, 0); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// loadCursor returns the cursor. A missing cursor starts before the first
// event so a fresh install replays the whole log. A cursor that has not moved
// for CursorStale is moved forward to now-CursorStale; it never moves back.
func (d *Driver) loadCursor(ctx context.Context) (persistence.Cursor, bool, error) {
	rec, ok, err := d.loadRecord(ctx)
	if err != nil {
		return rec.Cursor, false, fmt.Errorf("load cursor: %w", err)
	}
	now := d.cfg.Now().UTC()
	floor := now.Add(-d.cfg.CursorStale)
	if ok && !rec.SavedAt.Before(floor) {
		return rec.Cursor, false, nil
	}
	if ok && !rec.At.Before(floor) {
		// Idle but recent: refresh without moving.
		return rec.Cursor, false, d.saveCursor(ctx, rec.Cursor)
	}

	next, reason := persistence.Cursor{At: floor}, "stale"
	if !ok {
		next, reason = persistence.Cursor{}, "missing"
	}
	if err := d.saveCursor(ctx, next); err != nil {
		return rec.Cursor, false, err
	}
	meta := map[string]any{"reset_to": next.At.Format(time.RFC3339Nano), "stale_after": d.cfg.CursorStale.String()}
	if ok {
		meta["previous_at"] = rec.At.Format(time.RFC3339Nano)
		meta["previous_event_id"] = rec.EventID
	}
	if _, err := d.cfg.Events.AppendEvent(ctx, pipeline.Event{
		Topic:    pipeline.TopicCursorReset,
		Status:   reason,
		Metadata: meta,
	}); err != nil {
		d.cfg.Logger.WarnContext(ctx, "cursor reset trail append failed", "error", err)
	}
	audit.Record(audit.Entry{
		Kind:     audit.KindCursorReset,
		Decision: audit.DecisionRecord,
		Subject:  KeyCursor,
		Reason:   reason,
		Detail:   fmt.Sprintf("reset_to=%s", next.At.Format(time.RFC3339Nano)),
	})
	d.cfg.Logger.WarnContext(ctx, "loop cursor reset", "reason", reason, "previous_at", rec.At, "reset_to", next.At)
	return next, true, nil
}
