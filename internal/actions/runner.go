package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/controller"
	"github.com/basket/conductor/internal/locks"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// eventNamespace seeds deterministic ids for action outcome events so a
// replayed action re-appends the same ids and the log absorbs them.
var eventNamespace = uuid.MustParse("6f0c3a52-5a3e-4c8e-9d41-3c7b0e2a9f10")

// Trail appends to the event log.
type Trail interface {
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
}

type RunnerConfig struct {
	Executor    Executor
	State       state.Store
	Trail       Trail
	Controller  *controller.Controller
	Locks       *locks.Manager
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the backoff randomization factor in [0,1).
	Jitter  float64
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}
}

func stateKey(taskID string, action Action, suffix string) string {
	return "action:" + taskID + ":" + string(action) + ":" + suffix
}

// BackoffDelay returns the wait after the given number of failed attempts.
func (r *Runner) BackoffDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffBase
	b.MaxInterval = r.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = r.cfg.Jitter
	b.Reset()
	var d time.Duration
	for range max(attempts, 1) {
		d = b.NextBackOff()
	}
	return d
}

func (r *Runner) attempts(ctx context.Context, taskID string, action Action) (int, error) {
	var n int
	if _, _, err := state.GetJSON(ctx, r.cfg.State, stateKey(taskID, action, "attempts"), &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Done reports whether action already succeeded for taskID.
func (r *Runner) Done(ctx context.Context, taskID string, action Action) (bool, error) {
	_, ok, err := r.cfg.State.Get(ctx, stateKey(taskID, action, "done"))
	return ok, err
}

// BackingOff reports whether any action for taskID is inside a backoff window.
func (r *Runner) BackingOff(ctx context.Context, taskID string) (bool, error) {
	prefix := "action:" + taskID + ":"
	entries, err := r.cfg.State.List(ctx, prefix)
	if err != nil {
		return false, err
	}
	// Another task's id may extend taskID past a colon, so the remainder
	// must be exactly <action>:backoff.
	for _, e := range entries {
		name, suffix, _ := strings.Cut(strings.TrimPrefix(e.Key, prefix), ":")
		if suffix == "backoff" && Action(name).Valid() {
			return true, nil
		}
	}
	return false, nil
}

// Run executes action for run once, honouring the done marker, the backoff
// window and the attempt limit. The returned *Error tells the loop whether
// to defer (KindBackoff, KindContention, KindFailed) or move on
// (KindExhausted). A nil error with skipped=true means the action had
// already succeeded.
func (r *Runner) Run(ctx context.Context, action Action, run *pipeline.Run) (res Result, skipped bool, err error) {
	if !action.Valid() {
		return Result{}, false, fmt.Errorf("unknown action %q", action)
	}
	taskID := run.TaskID
	if done, err := r.Done(ctx, taskID, action); err != nil || done {
		return Result{}, done, err
	}
	if _, ok, err := r.cfg.State.Get(ctx, stateKey(taskID, action, "backoff")); err != nil {
		return Result{}, false, err
	} else if ok {
		return Result{}, false, &Error{Kind: KindBackoff, Action: action, Code: CodeBackoffActive}
	}
	attempts, err := r.attempts(ctx, taskID, action)
	if err != nil {
		return Result{}, false, err
	}
	if attempts >= r.cfg.MaxAttempts {
		return Result{}, false, r.exhaust(ctx, action, run, attempts, nil)
	}

	if action == ActionMerge && r.cfg.Locks != nil {
		if _, err := r.cfg.Locks.Acquire(ctx, taskID, run.PRRef(), run.Services, run.ChangedPaths); err != nil {
			r.cfg.Metrics.Action(ctx, string(action), "contention")
			if errors.Is(err, locks.ErrNotGranted) {
				return Result{}, false, &Error{Kind: KindContention, Action: action, Code: CodeBlockedByLock, Err: err}
			}
			return Result{}, false, err
		}
	}

	ctx, span := otel.StartClientSpan(ctx, r.cfg.Tracer, "action."+string(action),
		otel.AttrTaskID.String(taskID), otel.AttrAction.String(string(action)))
	res, execErr := r.cfg.Executor.Execute(ctx, action, run)
	otel.End(span, execErr)
	attempt := attempts + 1

	if execErr != nil {
		return Result{}, false, r.fail(ctx, action, run, attempt, execErr)
	}

	for i, ev := range res.Events {
		ev.TaskID = taskID
		if ev.ID == "" {
			ev.ID = uuid.NewSHA1(eventNamespace, []byte(taskID+"/"+string(action)+"/"+ev.Topic)).String()
		}
		stored, err := r.cfg.Trail.AppendEvent(ctx, ev)
		if err != nil {
			return Result{}, false, fmt.Errorf("append %s outcome: %w", action, err)
		}
		res.Events[i] = stored
	}
	if _, err := r.cfg.State.Set(ctx, stateKey(taskID, action, "done"), []byte(strconv.Itoa(attempt)), 0); err != nil {
		return Result{}, false, fmt.Errorf("mark %s done: %w", action, err)
	}
	if err := r.cfg.State.Delete(ctx, stateKey(taskID, action, "attempts")); err != nil {
		r.cfg.Logger.WarnContext(ctx, "clear attempt counter failed", "task_id", taskID, "action", action, "error", err)
	}
	r.recordAttempt(ctx, action, taskID, attempt, "success", res.Detail)
	return res, false, nil
}

func (r *Runner) fail(ctx context.Context, action Action, run *pipeline.Run, attempt int, cause error) error {
	taskID := run.TaskID
	if _, err := state.SetJSON(ctx, r.cfg.State, stateKey(taskID, action, "attempts"), attempt, 0); err != nil {
		return fmt.Errorf("record %s attempt: %w", action, err)
	}
	r.recordAttempt(ctx, action, taskID, attempt, "failed", cause.Error())
	if attempt >= r.cfg.MaxAttempts {
		return r.exhaust(ctx, action, run, attempt, cause)
	}
	delay := r.BackoffDelay(attempt)
	if _, err := r.cfg.State.Set(ctx, stateKey(taskID, action, "backoff"), []byte(delay.String()), delay); err != nil {
		return fmt.Errorf("set %s backoff: %w", action, err)
	}
	r.cfg.Logger.WarnContext(ctx, "action attempt failed", "task_id", taskID, "action", action,
		"attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "backoff", delay, "error", cause)
	code := CodeRemote
	var notOK *NotOKError
	if errors.As(cause, &notOK) {
		code = CodeNotOK
	}
	return &Error{Kind: KindFailed, Action: action, Code: code, Err: cause}
}

// exhaust fails the run permanently once the attempt limit is reached.
func (r *Runner) exhaust(ctx context.Context, action Action, run *pipeline.Run, attempts int, cause error) error {
	msg := fmt.Sprintf("%s exceeded %d attempts", action, r.cfg.MaxAttempts)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	r.cfg.Logger.ErrorContext(ctx, "action attempts exhausted", "task_id", run.TaskID, "action", action, "attempts", attempts)
	if r.cfg.Controller != nil && !run.State.Terminal() {
		_, err := r.cfg.Controller.Transition(ctx, run.TaskID, controller.Transition{
			To:     pipeline.StateFailed,
			Reason: "max_attempts",
			Meta:   map[string]any{"action": string(action), "attempts": attempts},
			Patch: func(rr *pipeline.Run) {
				rr.ErrorCode = pipeline.CodeMaxAttempts
				rr.Error = msg
				rr.RetryCount = attempts
			},
		})
		if err != nil && !errors.Is(err, controller.ErrIllegalTransition) {
			return fmt.Errorf("fail run after exhausting %s: %w", action, err)
		}
	}
	r.cfg.Metrics.Action(ctx, string(action), "exhausted")
	return &Error{Kind: KindExhausted, Action: action, Code: pipeline.CodeMaxAttempts, Err: cause}
}

func (r *Runner) recordAttempt(ctx context.Context, action Action, taskID string, attempt int, outcome, detail string) {
	r.cfg.Metrics.Action(ctx, string(action), outcome)
	ev := pipeline.Event{
		TaskID: taskID,
		Topic:  pipeline.TopicActionAttempt,
		Status: outcome,
		Metadata: map[string]any{
			"action":  string(action),
			"attempt": attempt,
			"outcome": outcome,
			"detail":  detail,
		},
	}
	if _, err := r.cfg.Trail.AppendEvent(ctx, ev); err != nil {
		r.cfg.Logger.WarnContext(ctx, "action trail append failed", "task_id", taskID, "action", action, "error", err)
	}
	decision := audit.DecisionAllow
	if outcome != "success" {
		decision = audit.DecisionDeny
	}
	audit.Record(audit.Entry{
		Kind:     audit.KindAction,
		Decision: decision,
		TaskID:   taskID,
		Subject:  string(action),
		Reason:   outcome,
		Detail:   fmt.Sprintf("attempt=%d %s", attempt, detail),
	})
}
