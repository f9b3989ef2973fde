// Package integrity refuses to record a successful terminal outcome unless
// independent evidence shows every pipeline stage actually happened.
package integrity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/controller"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

const (
	DefaultStuckAfter  = 10 * time.Minute
	DefaultRepairLimit = 50
	DefaultLockTTL     = 30 * time.Second

	ActorRepair      = "repair-sweep"
	lockOwner        = "integrity-gate"
	maxConflictRetry = 3
)

// ErrInvalidRequest wraps every validation failure of a Request.
var ErrInvalidRequest = errors.New("invalid terminalize request")

// GateError is returned when a success outcome lacks evidence.
type GateError struct {
	TaskID        string  `json:"task_id"`
	MissingStages []Stage `json:"missing_stages"`
}

func (e *GateError) Error() string {
	return fmt.Sprintf("integrity gate: task %s missing stages %s",
		e.TaskID, strings.Join(stageStrings(e.MissingStages), ","))
}

// Events is the slice of the event log the gate reads and appends to.
type Events interface {
	ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error)
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
}

// RunLister finds repair candidates.
type RunLister interface {
	ListRuns(ctx context.Context, f pipeline.RunFilter) ([]*pipeline.Run, error)
}

// Config wires a Gate. State holds the per-task advisory lock; when nil
// Terminalize runs unlocked.
type Config struct {
	Controller      *controller.Controller
	Events          Events
	Runs            RunLister
	State           state.Store
	LockTTL         time.Duration
	Bus             *bus.Bus
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	Tracer          trace.Tracer
	StrictTopics    bool
	OverrideToken   string
	PrivilegedRoles []string
	StuckAfter      time.Duration
	RepairLimit     int
	Now             func() time.Time
}

// Gate decides terminal outcomes and runs the repair sweep.
type Gate struct {
	cfg Config
}

// New returns a Gate with defaults applied to cfg.
func New(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.RepairLimit <= 0 {
		cfg.RepairLimit = DefaultRepairLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{cfg: cfg}
}

// Request asks for a terminal outcome. Outcome is success, failed or
// cancelled. OverrideToken or a privileged Role lifts the evidence check.
type Request struct {
	TaskID        string `json:"task_id"`
	Outcome       string `json:"outcome"`
	RunRef        string `json:"run_ref,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	Actor         string `json:"actor"`
	OverrideToken string `json:"override_token,omitempty"`
	Role          string `json:"role,omitempty"`
}

// Result is the recorded terminal outcome of a run.
type Result struct {
	OK              bool           `json:"ok"`
	AlreadyTerminal bool           `json:"already_terminal"`
	Status          pipeline.State `json:"status"`
	TerminalOutcome string         `json:"terminal_outcome"`
	TerminalAt      *time.Time     `json:"terminal_at,omitempty"`
	Bypassed        bool           `json:"bypassed,omitempty"`
}

func resultFor(run *pipeline.Run, already bool) Result {
	return Result{
		OK:              true,
		AlreadyTerminal: already,
		Status:          run.State,
		TerminalOutcome: run.TerminalOutcome,
		TerminalAt:      run.TerminalAt,
	}
}

// Evidence returns the evidence currently on record for run.
func (g *Gate) Evidence(ctx context.Context, run *pipeline.Run) (Evidence, error) {
	events, err := g.cfg.Events.ListEvents(ctx, pipeline.EventFilter{TaskID: run.TaskID})
	if err != nil {
		return Evidence{}, fmt.Errorf("load events for %s: %w", run.TaskID, err)
	}
	return Collect(run, events, g.cfg.StrictTopics), nil
}

func (g *Gate) bypass(req Request) bool {
	if g.cfg.OverrideToken != "" && req.OverrideToken != "" &&
		subtle.ConstantTimeCompare([]byte(g.cfg.OverrideToken), []byte(req.OverrideToken)) == 1 {
		return true
	}
	return req.Role != "" && slices.Contains(g.cfg.PrivilegedRoles, req.Role)
}

func validate(req Request) error {
	if strings.TrimSpace(req.TaskID) == "" {
		return fmt.Errorf("%w: task_id required", ErrInvalidRequest)
	}
	switch req.Outcome {
	case pipeline.OutcomeSuccess, pipeline.OutcomeFailed, pipeline.OutcomeCancelled:
	default:
		return fmt.Errorf("%w: outcome must be success, failed or cancelled", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return fmt.Errorf("%w: actor required", ErrInvalidRequest)
	}
	return nil
}

// Terminalize records a terminal outcome for a task under the task's
// advisory lock, returning an error wrapping state.ErrLocked while another
// holder has it. A second call on a terminal task returns the recorded
// outcome with AlreadyTerminal set. A success outcome without full evidence
// returns *GateError unless the request carries a valid bypass. Complete
// evidence succeeds from any open state.
func (g *Gate) Terminalize(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	unlock, err := g.lock(ctx, req.TaskID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	return g.TerminalizeHeld(ctx, req)
}

// TerminalizeHeld is Terminalize for a caller already holding the task's
// advisory lock, such as the event loop.
func (g *Gate) TerminalizeHeld(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	ctx, span := otel.StartSpan(ctx, g.cfg.Tracer, "gate.terminalize",
		otel.AttrTaskID.String(req.TaskID), otel.AttrOutcome.String(req.Outcome))
	defer span.End()

	var (
		res Result
		err error
	)
	for range maxConflictRetry {
		res, err = g.terminalize(ctx, req)
		if !errors.Is(err, state.ErrConflict) {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (g *Gate) lock(ctx context.Context, taskID string) (func(), error) {
	if g.cfg.State == nil {
		return func() {}, nil
	}
	unlock, err := state.TryLock(ctx, g.cfg.State, state.TaskLockKey(taskID), lockOwner, g.cfg.LockTTL)
	if errors.Is(err, state.ErrLocked) {
		g.cfg.Logger.InfoContext(ctx, "terminalize refused: task busy", "task_id", taskID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unlock(); err != nil {
			g.cfg.Logger.WarnContext(ctx, "advisory unlock failed", "task_id", taskID, "error", err)
		}
	}, nil
}

func (g *Gate) terminalize(ctx context.Context, req Request) (Result, error) {
	ctrl := g.cfg.Controller
	run, err := ctrl.Get(ctx, req.TaskID)
	if err != nil {
		return Result{}, err
	}
	if run.TerminalOutcome != "" {
		return resultFor(run, true), nil
	}

	// A run that reached a terminal state through the loop has no outcome
	// yet. completed is final; failed may still be recovered by evidence.
	if run.State == pipeline.StateCompleted {
		run, err = ctrl.StampOutcome(ctx, req.TaskID, pipeline.OutcomeSuccess, req.Actor, req.RunRef, req.CommitSHA)
		if err != nil {
			return Result{}, err
		}
		g.recordVerdict(req, audit.DecisionAllow, "already_completed", nil)
		return resultFor(run, req.Outcome != pipeline.OutcomeSuccess), nil
	}

	if req.Outcome != pipeline.OutcomeSuccess {
		return g.terminalizeFailure(ctx, run, req)
	}

	evidence, err := g.Evidence(ctx, run)
	if err != nil {
		return Result{}, err
	}
	missing := evidence.Missing()
	bypassed := false
	if len(missing) > 0 {
		if !g.bypass(req) {
			g.reject(ctx, req, missing)
			return Result{}, &GateError{TaskID: req.TaskID, MissingStages: missing}
		}
		bypassed = true
	}

	next, err := ctrl.Complete(ctx, req.TaskID, controller.Transition{
		Reason: "terminalize",
		Actor:  req.Actor,
		Meta: map[string]any{
			"outcome":  pipeline.OutcomeSuccess,
			"bypassed": bypassed,
			"evidence": evidence.Stages,
		},
		Patch: func(r *pipeline.Run) {
			r.TerminalOutcome = pipeline.OutcomeSuccess
			r.TerminalActor = req.Actor
			r.RunRef = req.RunRef
			r.CommitSHA = req.CommitSHA
		},
	})
	if err != nil {
		return Result{}, err
	}
	reason := "evidence_complete"
	if bypassed {
		reason = "governance_bypass"
		g.cfg.Logger.WarnContext(ctx, "terminalize bypassed integrity gate", "task_id", req.TaskID,
			"actor", req.Actor, "role", req.Role, "missing_stages", stageStrings(missing))
	}
	g.recordVerdict(req, audit.DecisionAllow, reason, missing)
	res := resultFor(next, false)
	res.Bypassed = bypassed
	return res, nil
}

func (g *Gate) terminalizeFailure(ctx context.Context, run *pipeline.Run, req Request) (Result, error) {
	ctrl := g.cfg.Controller
	if run.State == pipeline.StateFailed {
		next, err := ctrl.StampOutcome(ctx, req.TaskID, req.Outcome, req.Actor, req.RunRef, req.CommitSHA)
		if err != nil {
			return Result{}, err
		}
		g.recordVerdict(req, audit.DecisionAllow, "outcome_recorded", nil)
		return resultFor(next, false), nil
	}
	next, err := ctrl.Transition(ctx, req.TaskID, controller.Transition{
		To:     pipeline.StateFailed,
		Reason: "terminalize",
		Actor:  req.Actor,
		Meta:   map[string]any{"outcome": req.Outcome},
		Patch: func(r *pipeline.Run) {
			r.TerminalOutcome = req.Outcome
			r.TerminalActor = req.Actor
			r.RunRef = req.RunRef
			r.CommitSHA = req.CommitSHA
			if req.Outcome == pipeline.OutcomeCancelled && r.ErrorCode == "" {
				r.ErrorCode = pipeline.CodeCancelled
			}
		},
	})
	if err != nil {
		return Result{}, err
	}
	g.recordVerdict(req, audit.DecisionAllow, "outcome_recorded", nil)
	return resultFor(next, false), nil
}

func (g *Gate) reject(ctx context.Context, req Request, missing []Stage) {
	g.cfg.Metrics.GateRejected(ctx)
	g.cfg.Logger.InfoContext(ctx, "terminalize rejected", "task_id", req.TaskID, "actor", req.Actor,
		"missing_stages", stageStrings(missing))
	g.recordVerdict(req, audit.DecisionDeny, "missing_evidence", missing)
	ev := pipeline.Event{
		TaskID: req.TaskID,
		Topic:  pipeline.TopicTerminalizeRejected,
		Status: "rejected",
		Metadata: map[string]any{
			"actor":          req.Actor,
			"missing_stages": stageStrings(missing),
		},
	}
	if _, err := g.cfg.Events.AppendEvent(ctx, ev); err != nil {
		g.cfg.Logger.WarnContext(ctx, "gate trail append failed", "task_id", req.TaskID, "error", err)
	}
	if g.cfg.Bus != nil {
		g.cfg.Bus.Publish(pipeline.TopicTerminalizeRejected, ev)
	}
}

func (g *Gate) recordVerdict(req Request, decision, reason string, missing []Stage) {
	audit.Record(audit.Entry{
		Kind:     audit.KindTerminalize,
		Decision: decision,
		TaskID:   req.TaskID,
		Subject:  req.Outcome,
		Reason:   reason,
		Detail:   fmt.Sprintf("actor=%s missing=%s", req.Actor, strings.Join(stageStrings(missing), ",")),
	})
}
