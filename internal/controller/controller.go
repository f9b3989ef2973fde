// Package controller owns the run state machine. Every accepted transition
// is written with compare-and-swap on the run version together with its
// audit event; a rejected transition writes nothing.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/shared"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrPrecondition      = errors.New("transition precondition failed")
	ErrRunNotFound       = errors.New("run not found")
	ErrTerminal          = errors.New("run is terminal")
)

var allowedTransitions = map[pipeline.State]map[pipeline.State]struct{}{
	pipeline.StateAllocated: {
		pipeline.StateInProgress: {},
		pipeline.StateFailed:     {},
	},
	pipeline.StateInProgress: {
		pipeline.StateBuilding: {},
		pipeline.StateFailed:   {},
	},
	pipeline.StateBuilding: {
		pipeline.StatePRCreated: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StatePRCreated: {
		pipeline.StateReviewing: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StateReviewing: {
		pipeline.StateValidated: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StateValidated: {
		pipeline.StateMerged: {},
		pipeline.StateFailed: {},
	},
	pipeline.StateMerged: {
		pipeline.StateDeploying: {},
		pipeline.StateCompleted: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StateDeploying: {
		pipeline.StateVerifying: {},
		pipeline.StateCompleted: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StateVerifying: {
		pipeline.StateCompleted: {},
		pipeline.StateFailed:    {},
	},
	pipeline.StateFailed: {
		pipeline.StateCompleted: {}, // Recovery when evidence arrives late.
	},
	pipeline.StateCompleted: {},
}

// CanTransition reports whether from -> to is in the adjacency table.
func CanTransition(from, to pipeline.State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// RunStore is the run ledger. persistence.Store satisfies it.
type RunStore interface {
	GetRun(ctx context.Context, taskID string) (*pipeline.Run, error)
	CreateRun(ctx context.Context, run *pipeline.Run) error
	SaveRun(ctx context.Context, run *pipeline.Run, expected int64, trail *pipeline.Event) error
}

// SnapshotEnforcer gates the allocated -> in_progress transition.
type SnapshotEnforcer interface {
	Enforce(ctx context.Context, taskID string) error
}

type Config struct {
	Runs      RunStore
	Snapshots SnapshotEnforcer
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Now       func() time.Time
	// OnTerminal runs after a run enters completed or failed.
	OnTerminal func(ctx context.Context, run *pipeline.Run)
}

type Controller struct {
	runs       RunStore
	snapshots  SnapshotEnforcer
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	now        func() time.Time
	onTerminal func(ctx context.Context, run *pipeline.Run)
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		runs:       cfg.Runs,
		snapshots:  cfg.Snapshots,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		onTerminal: cfg.OnTerminal,
	}
}

// Transition describes a requested state change.
type Transition struct {
	To     pipeline.State
	Reason string
	Actor  string
	Meta   map[string]any
	// Patch sets stage artifacts on the run alongside the state change.
	Patch func(run *pipeline.Run)
}

// TransitionEvent is published on the bus after a transition commits.
type TransitionEvent struct {
	TaskID string         `json:"task_id"`
	From   pipeline.State `json:"from"`
	To     pipeline.State `json:"to"`
	Reason string         `json:"reason,omitempty"`
	Actor  string         `json:"actor,omitempty"`
	Run    *pipeline.Run  `json:"run"`
}

func (c *Controller) Get(ctx context.Context, taskID string) (*pipeline.Run, error) {
	run, err := c.runs.GetRun(ctx, taskID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, taskID)
	}
	return run, err
}

// GetOrCreate returns the run for taskID, creating it in allocated when absent.
func (c *Controller) GetOrCreate(ctx context.Context, taskID string) (*pipeline.Run, bool, error) {
	run, err := c.runs.GetRun(ctx, taskID)
	if err == nil {
		return run, false, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return nil, false, err
	}
	run = &pipeline.Run{TaskID: taskID, State: pipeline.StateAllocated}
	err = c.runs.CreateRun(ctx, run)
	if errors.Is(err, persistence.ErrRunExists) {
		run, err = c.runs.GetRun(ctx, taskID)
		return run, false, err
	}
	if err != nil {
		return nil, false, err
	}
	c.logger.Info("run created", "task_id", taskID, "state", run.State)
	return run, true, nil
}

func (c *Controller) checkPreconditions(ctx context.Context, cur *pipeline.Run, to pipeline.State) error {
	switch {
	case cur.State == pipeline.StateAllocated && to == pipeline.StateInProgress:
		if c.snapshots == nil {
			return fmt.Errorf("%w: no snapshot store configured", ErrPrecondition)
		}
		if err := c.snapshots.Enforce(ctx, cur.TaskID); err != nil {
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
	case to == pipeline.StateMerged:
		// The stored verdict decides, never the state label or the patch.
		if cur.ValidatorResult == nil || !cur.ValidatorResult.Passed {
			return fmt.Errorf("%w: validator result has not passed", ErrPrecondition)
		}
	}
	return nil
}

// Transition moves the run to tr.To. It returns ErrIllegalTransition or
// ErrPrecondition without writing anything, and state.ErrConflict when the
// run changed underneath the caller.
func (c *Controller) Transition(ctx context.Context, taskID string, tr Transition) (*pipeline.Run, error) {
	cur, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.State, tr.To) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.State, tr.To)
	}
	if err := c.checkPreconditions(ctx, cur, tr.To); err != nil {
		return cur, err
	}
	return c.commit(ctx, cur, tr)
}

// Complete moves a run to completed from any state except completed,
// outside the adjacency table. Only the integrity gate calls it, after the
// run's evidence is complete or a governance bypass applies. The trail
// records the state the run completed from.
func (c *Controller) Complete(ctx context.Context, taskID string, tr Transition) (*pipeline.Run, error) {
	cur, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cur.State == pipeline.StateCompleted {
		return cur, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.State, pipeline.StateCompleted)
	}
	tr.To = pipeline.StateCompleted
	meta := map[string]any{"completion": "evidence_gate"}
	if !CanTransition(cur.State, pipeline.StateCompleted) {
		meta["skipped_from"] = string(cur.State)
	}
	maps.Copy(meta, tr.Meta)
	tr.Meta = meta
	return c.commit(ctx, cur, tr)
}

func (c *Controller) commit(ctx context.Context, cur *pipeline.Run, tr Transition) (*pipeline.Run, error) {
	taskID := cur.TaskID
	next := cur.Clone()
	if tr.Patch != nil {
		tr.Patch(next)
	}
	next.State = tr.To
	if next.State.Terminal() {
		at := c.now().UTC()
		next.TerminalAt = &at
	}
	actor := tr.Actor
	if actor == "" {
		actor = shared.Actor(ctx)
	}

	meta := transitionMeta(cur.State, next, tr.Reason, actor)
	maps.Copy(meta, tr.Meta)
	trail := &pipeline.Event{
		TaskID:   taskID,
		Topic:    pipeline.TopicTransition,
		Status:   string(tr.To),
		Metadata: meta,
	}
	if err := c.runs.SaveRun(ctx, next, cur.Version, trail); err != nil {
		return cur, fmt.Errorf("save run %s: %w", taskID, err)
	}

	c.logger.Info("run transitioned", "task_id", taskID, "from", cur.State, "to", next.State,
		"reason", tr.Reason, "actor", actor, "version", next.Version)
	audit.Record(audit.Entry{
		Kind:     audit.KindTransition,
		Decision: audit.DecisionAllow,
		TaskID:   taskID,
		Subject:  fmt.Sprintf("%s->%s", cur.State, next.State),
		Reason:   tr.Reason,
		Detail:   actor,
	})
	c.metrics.Transition(ctx, string(next.State))
	if c.bus != nil {
		c.bus.Publish(pipeline.TopicTransition, TransitionEvent{
			TaskID: taskID, From: cur.State, To: next.State, Reason: tr.Reason, Actor: actor, Run: next.Clone(),
		})
	}
	if next.State.Terminal() && c.onTerminal != nil {
		c.onTerminal(ctx, next.Clone())
	}
	return next, nil
}

func transitionMeta(from pipeline.State, run *pipeline.Run, reason, actor string) map[string]any {
	meta := map[string]any{
		"from":   string(from),
		"to":     string(run.State),
		"reason": reason,
		"actor":  actor,
	}
	if run.PRNumber > 0 {
		meta["pr_number"] = run.PRNumber
	}
	for k, v := range map[string]string{
		"pr_url":       run.PRURL,
		"merge_sha":    run.MergeSHA,
		"workflow_url": run.WorkflowURL,
		"deploy_ref":   run.DeployRef,
		"error_code":   run.ErrorCode,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}

// Update applies a patch that leaves the state unchanged, such as recording
// a validator verdict. Terminal runs cannot be updated.
func (c *Controller) Update(ctx context.Context, taskID, reason string, patch func(run *pipeline.Run)) (*pipeline.Run, error) {
	cur, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return cur, fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, cur.State)
	}
	next := cur.Clone()
	patch(next)
	if next.State != cur.State {
		return cur, fmt.Errorf("%w: update may not change state", ErrIllegalTransition)
	}
	trail := &pipeline.Event{
		TaskID:   taskID,
		Topic:    pipeline.TopicRunUpdated,
		Status:   string(cur.State),
		Metadata: map[string]any{"reason": reason, "actor": shared.Actor(ctx)},
	}
	if err := c.runs.SaveRun(ctx, next, cur.Version, trail); err != nil {
		return cur, fmt.Errorf("save run %s: %w", taskID, err)
	}
	c.logger.Debug("run updated", "task_id", taskID, "reason", reason, "version", next.Version)
	return next, nil
}

// StampOutcome records the terminal outcome on a run that is already
// terminal but has none yet. It is the only write a terminal run accepts.
func (c *Controller) StampOutcome(ctx context.Context, taskID, outcome, actor, runRef, commitSHA string) (*pipeline.Run, error) {
	cur, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !cur.State.Terminal() {
		return cur, fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, taskID)
	}
	if cur.TerminalOutcome != "" {
		return cur, nil
	}
	next := cur.Clone()
	next.TerminalOutcome = outcome
	next.TerminalActor = actor
	next.RunRef = runRef
	next.CommitSHA = commitSHA
	trail := &pipeline.Event{
		TaskID:   taskID,
		Topic:    pipeline.TopicRunUpdated,
		Status:   string(cur.State),
		Metadata: map[string]any{"reason": "terminal_outcome", "outcome": outcome, "actor": actor},
	}
	if err := c.runs.SaveRun(ctx, next, cur.Version, trail); err != nil {
		return cur, fmt.Errorf("save run %s: %w", taskID, err)
	}
	return next, nil
}
