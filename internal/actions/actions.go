// Package actions runs the side-effecting pipeline steps (dispatch, PR
// creation, validation, merge, verification) with per-task attempt limits,
// exponential backoff and completion markers.
package actions

import (
	"context"
	"fmt"

	"github.com/basket/conductor/internal/pipeline"
)

type Action string

const (
	ActionDispatch Action = "dispatch"
	ActionCreatePR Action = "create_pr"
	ActionValidate Action = "validate"
	ActionMerge    Action = "merge"
	ActionVerify   Action = "verify"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionDispatch, ActionCreatePR, ActionValidate, ActionMerge, ActionVerify:
		return true
	}
	return false
}

// ErrorKind classifies an action error for the loop.
type ErrorKind string

const (
	// KindFailed is a failed attempt; the task is backing off.
	KindFailed ErrorKind = "failed"
	// KindContention means the merge locks were not granted.
	KindContention ErrorKind = "contention"
	// KindBackoff means a previous failure's backoff has not expired.
	KindBackoff ErrorKind = "backoff"
	// KindExhausted means the attempt limit was reached and the run failed.
	KindExhausted ErrorKind = "exhausted"
)

// Error codes attached to action errors.
const (
	CodeRemote        = "REMOTE_ERROR"
	CodeBlockedByLock = "BLOCKED_BY_LOCK"
	CodeBackoffActive = "BACKOFF_ACTIVE"
	CodeNotOK         = "NOT_OK"
)

type Error struct {
	Kind   ErrorKind
	Action Action
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("action %s %s (%s)", e.Action, e.Kind, e.Code)
	}
	return fmt.Sprintf("action %s %s (%s): %v", e.Action, e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is what a successful action produced. Events are appended to the
// event log and drive the next transitions.
type Result struct {
	Events []pipeline.Event
	Detail string
}

// Executor performs one action against the outside world. A returned error
// counts as a failed attempt.
type Executor interface {
	Execute(ctx context.Context, action Action, run *pipeline.Run) (Result, error)
}

// NotOKError reports a remote check that answered but did not pass.
type NotOKError struct {
	Detail string
}

func (e *NotOKError) Error() string {
	if e.Detail == "" {
		return "remote check did not pass"
	}
	return "remote check did not pass: " + e.Detail
}
