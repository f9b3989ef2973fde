package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/snapshot"
	"github.com/basket/conductor/internal/state"
)

type harness struct {
	store    *persistence.Store
	snaps    *snapshot.Store
	ctrl     *Controller
	bus      *bus.Bus
	terminal []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h := &harness{store: store, snaps: snapshot.New(store, nil), bus: b}
	h.ctrl = New(Config{
		Runs:      store,
		Snapshots: h.snaps,
		Bus:       b,
		OnTerminal: func(_ context.Context, run *pipeline.Run) {
			h.terminal = append(h.terminal, run.TaskID)
		},
	})
	return h
}

// advance walks the run through the given states, seeding whatever each
// precondition needs.
func (h *harness) advance(t *testing.T, taskID string, states ...pipeline.State) *pipeline.Run {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.ctrl.GetOrCreate(ctx, taskID); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	var run *pipeline.Run
	for _, st := range states {
		switch st {
		case pipeline.StateInProgress:
			if _, err := h.snaps.Create(ctx, taskID, "title", "spec", "", nil); err != nil {
				t.Fatalf("snapshot: %v", err)
			}
		case pipeline.StateMerged:
			if _, err := h.ctrl.Update(ctx, taskID, "validator", func(r *pipeline.Run) {
				r.ValidatorResult = &pipeline.CheckResult{Passed: true}
			}); err != nil {
				t.Fatalf("record validator: %v", err)
			}
		}
		var err error
		run, err = h.ctrl.Transition(ctx, taskID, Transition{To: st, Reason: "test"})
		if err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	return run
}

func TestCanTransition_TerminalEdges(t *testing.T) {
	all := append(append([]pipeline.State{}, pipeline.ActiveStates...), pipeline.StateCompleted, pipeline.StateFailed)
	for _, to := range all {
		if CanTransition(pipeline.StateCompleted, to) {
			t.Fatalf("completed -> %s must be illegal", to)
		}
		if want := to == pipeline.StateCompleted; CanTransition(pipeline.StateFailed, to) != want {
			t.Fatalf("failed -> %s legality = %v, want %v", to, !want, want)
		}
	}
	for _, from := range pipeline.ActiveStates {
		if !CanTransition(from, pipeline.StateFailed) {
			t.Fatalf("%s -> failed must be legal", from)
		}
	}
}

func TestTransition_IllegalLeavesRunUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before, _, err := h.ctrl.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	_, err = h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateMerged, Patch: func(r *pipeline.Run) {
		r.MergeSHA = "deadbeef"
	}})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	after, _ := h.ctrl.Get(ctx, "t1")
	if after.State != before.State || after.Version != before.Version || after.MergeSHA != "" {
		t.Fatalf("illegal transition mutated run: %+v", after)
	}
	events, _ := h.store.ListEvents(ctx, pipeline.EventFilter{TaskID: "t1"})
	if len(events) != 0 {
		t.Fatalf("illegal transition wrote events: %+v", events)
	}
}

func TestTransition_InProgressRequiresSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, _, err := h.ctrl.GetOrCreate(ctx, "t1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	_, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateInProgress})
	if !errors.Is(err, ErrPrecondition) || !errors.Is(err, snapshot.ErrMissing) {
		t.Fatalf("expected precondition failure wrapping ErrMissing, got %v", err)
	}

	if _, err := h.snaps.Create(ctx, "t1", "title", "spec", "", nil); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	run, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateInProgress, Reason: "task.allocated"})
	if err != nil {
		t.Fatalf("transition with snapshot: %v", err)
	}
	if run.State != pipeline.StateInProgress || run.Version != 2 {
		t.Fatalf("unexpected run: state=%s version=%d", run.State, run.Version)
	}
}

func TestTransition_MergeGateIgnoresPatchAndLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advance(t, "t1", pipeline.StateInProgress, pipeline.StateBuilding, pipeline.StatePRCreated,
		pipeline.StateReviewing, pipeline.StateValidated)

	// A patch cannot forge the verdict on the same transition.
	_, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateMerged, Patch: func(r *pipeline.Run) {
		r.ValidatorResult = &pipeline.CheckResult{Passed: true}
	}})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected merge gate rejection, got %v", err)
	}

	if _, err := h.ctrl.Update(ctx, "t1", "validator", func(r *pipeline.Run) {
		r.ValidatorResult = &pipeline.CheckResult{Passed: false, Detail: "lint"}
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateMerged}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("failed verdict must block merge, got %v", err)
	}

	if _, err := h.ctrl.Update(ctx, "t1", "validator", func(r *pipeline.Run) {
		r.ValidatorResult = &pipeline.CheckResult{Passed: true}
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	run, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateMerged, Patch: func(r *pipeline.Run) {
		r.MergeSHA = "abc123"
	}})
	if err != nil {
		t.Fatalf("merge with passing verdict: %v", err)
	}
	if run.MergeSHA != "abc123" {
		t.Fatalf("merge sha not recorded: %+v", run)
	}
}

func TestTransition_WritesTrailAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(pipeline.TopicTransition)
	defer h.bus.Unsubscribe(sub)

	h.advance(t, "t1", pipeline.StateInProgress, pipeline.StateBuilding)
	if _, err := h.ctrl.Transition(ctx, "t1", Transition{
		To:     pipeline.StatePRCreated,
		Reason: "pr.created",
		Patch:  func(r *pipeline.Run) { r.PRNumber = 42 },
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	events, err := h.store.ListEvents(ctx, pipeline.EventFilter{TaskID: "t1", TopicPrefix: pipeline.TopicTransition})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 transition events, got %d", len(events))
	}
	last := events[2]
	if last.Str("from", "") != "building" || last.Str("to", "") != "pr_created" || last.Int("pr_number", 0) != 42 {
		t.Fatalf("unexpected trail metadata: %+v", last.Metadata)
	}
	if len(sub.Ch()) != 3 {
		t.Fatalf("expected 3 bus publishes, got %d", len(sub.Ch()))
	}
}

func TestTransition_TerminalHookAndImmutability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advance(t, "t1", pipeline.StateInProgress)

	run, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateFailed, Patch: func(r *pipeline.Run) {
		r.ErrorCode = pipeline.CodeBuildFailed
	}})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if run.TerminalAt == nil {
		t.Fatal("terminal_at not set")
	}
	if len(h.terminal) != 1 || h.terminal[0] != "t1" {
		t.Fatalf("OnTerminal calls = %v", h.terminal)
	}

	if _, err := h.ctrl.Update(ctx, "t1", "late", func(r *pipeline.Run) { r.PRNumber = 9 }); !errors.Is(err, ErrTerminal) {
		t.Fatalf("update of terminal run: got %v", err)
	}
	if _, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateBuilding}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("failed -> building: got %v", err)
	}

	stamped, err := h.ctrl.StampOutcome(ctx, "t1", pipeline.OutcomeFailed, "operator", "", "")
	if err != nil || stamped.TerminalOutcome != pipeline.OutcomeFailed {
		t.Fatalf("StampOutcome: %+v %v", stamped, err)
	}
	again, _ := h.ctrl.StampOutcome(ctx, "t1", pipeline.OutcomeSuccess, "other", "", "")
	if again.TerminalOutcome != pipeline.OutcomeFailed || again.Version != stamped.Version {
		t.Fatalf("second stamp mutated run: %+v", again)
	}
}

type staleRuns struct {
	RunStore
	stale *pipeline.Run
}

func (s staleRuns) GetRun(context.Context, string) (*pipeline.Run, error) {
	return s.stale.Clone(), nil
}

func TestTransition_StaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale, _, err := h.ctrl.GetOrCreate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h.advance(t, "t1", pipeline.StateInProgress)

	racer := New(Config{Runs: staleRuns{RunStore: h.store, stale: stale}, Snapshots: h.snaps})
	_, err = racer.Transition(ctx, "t1", Transition{To: pipeline.StateFailed})
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	run, _ := h.ctrl.Get(ctx, "t1")
	if run.State != pipeline.StateInProgress {
		t.Fatalf("stale writer changed state to %s", run.State)
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, created, err := h.ctrl.GetOrCreate(ctx, "t1")
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	run, created, err := h.ctrl.GetOrCreate(ctx, "t1")
	if err != nil || created || run.Version != 1 {
		t.Fatalf("second GetOrCreate: created=%v run=%+v err=%v", created, run, err)
	}
	if _, err := h.ctrl.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
}

func TestTransition_RecoveryEdge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advance(t, "t1", pipeline.StateInProgress, pipeline.StateFailed)
	first, _ := h.ctrl.Get(ctx, "t1")

	time.Sleep(time.Millisecond)
	run, err := h.ctrl.Transition(ctx, "t1", Transition{To: pipeline.StateCompleted, Reason: "late evidence"})
	if err != nil {
		t.Fatalf("failed -> completed: %v", err)
	}
	if !run.TerminalAt.After(*first.TerminalAt) {
		t.Fatal("terminal_at should move to completion time")
	}
}

func TestComplete_FromAnyOpenState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advance(t, "t1", pipeline.StateInProgress, pipeline.StateBuilding)

	run, err := h.ctrl.Complete(ctx, "t1", Transition{Reason: "terminalize", Actor: "gate"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if run.State != pipeline.StateCompleted || run.TerminalAt == nil {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(h.terminal) != 1 || h.terminal[0] != "t1" {
		t.Fatalf("terminal hook calls = %v", h.terminal)
	}
	trail, err := h.store.ListEvents(ctx, pipeline.EventFilter{TaskID: "t1", TopicPrefix: pipeline.TopicTransition})
	if err != nil || len(trail) == 0 {
		t.Fatalf("trail: %v %v", trail, err)
	}
	last := trail[len(trail)-1]
	if last.Str("skipped_from", "") != string(pipeline.StateBuilding) || last.Str("completion", "") != "evidence_gate" {
		t.Fatalf("trail metadata = %v", last.Metadata)
	}

	if _, err := h.ctrl.Complete(ctx, "t1", Transition{Reason: "again"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second Complete: got %v", err)
	}
}
