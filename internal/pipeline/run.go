// Package pipeline holds the domain records shared by the orchestration core:
// task runs, their lifecycle states, spec snapshots and the event envelope.
package pipeline

import (
	"errors"
	"slices"
	"strconv"
	"time"
)

// ErrNotFound is returned by stores when a run, snapshot or event is absent.
var ErrNotFound = errors.New("not found")

type State string

const (
	StateAllocated  State = "allocated"
	StateInProgress State = "in_progress"
	StateBuilding   State = "building"
	StatePRCreated  State = "pr_created"
	StateReviewing  State = "reviewing"
	StateValidated  State = "validated"
	StateMerged     State = "merged"
	StateDeploying  State = "deploying"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ActiveStates lists every non-terminal state in lifecycle order.
var ActiveStates = []State{
	StateAllocated,
	StateInProgress,
	StateBuilding,
	StatePRCreated,
	StateReviewing,
	StateValidated,
	StateMerged,
	StateDeploying,
	StateVerifying,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) Valid() bool {
	return s.Terminal() || slices.Contains(ActiveStates, s)
}

// Terminal outcomes recorded by the integrity gate.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Deterministic error codes stored on failed runs.
const (
	CodeMaxAttempts       = "MAX_ATTEMPTS"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeBuildFailed       = "BUILD_FAILED"
	CodeDeployFailed      = "DEPLOY_FAILED"
	CodeVerifyFailed      = "VERIFY_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeSnapshotIntegrity = "SNAPSHOT_INTEGRITY"
)

// CheckResult is the pass/fail verdict returned by a remote validator or verifier.
type CheckResult struct {
	Passed    bool      `json:"passed"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Run is the ledger record for one task moving through the pipeline.
type Run struct {
	TaskID       string   `json:"task_id"`
	State        State    `json:"state"`
	Services     []string `json:"services,omitempty"`
	ChangedPaths []string `json:"changed_paths,omitempty"`

	PRNumber    int    `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	MergeSHA    string `json:"merge_sha,omitempty"`
	DeployRef   string `json:"deploy_ref,omitempty"`
	WorkflowURL string `json:"workflow_url,omitempty"`

	ValidatorResult    *CheckResult `json:"validator_result,omitempty"`
	VerificationResult *CheckResult `json:"verification_result,omitempty"`

	ErrorCode  string `json:"error_code,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`

	TerminalOutcome string     `json:"terminal_outcome,omitempty"`
	TerminalAt      *time.Time `json:"terminal_at,omitempty"`
	TerminalActor   string     `json:"terminal_actor,omitempty"`
	RunRef          string     `json:"run_ref,omitempty"`
	CommitSHA       string     `json:"commit_sha,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PRRef is the human-readable pull request reference used in lock entries.
func (r *Run) PRRef() string {
	if r.PRURL != "" {
		return r.PRURL
	}
	if r.PRNumber > 0 {
		return "#" + strconv.Itoa(r.PRNumber)
	}
	return ""
}

// Clone returns a deep copy so callers can build a candidate record
// without touching the stored one.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Services = slices.Clone(r.Services)
	out.ChangedPaths = slices.Clone(r.ChangedPaths)
	if r.ValidatorResult != nil {
		v := *r.ValidatorResult
		out.ValidatorResult = &v
	}
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		out.VerificationResult = &v
	}
	if r.TerminalAt != nil {
		t := *r.TerminalAt
		out.TerminalAt = &t
	}
	return &out
}

// RunFilter selects runs for the repair sweep and inspection endpoints.
type RunFilter struct {
	States        []State
	UpdatedBefore time.Time
	Limit         int
}

// Snapshot is the immutable copy of a task's specification taken at allocation.
type Snapshot struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	SpecText  string    `json:"spec_text"`
	Domain    string    `json:"domain,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}
