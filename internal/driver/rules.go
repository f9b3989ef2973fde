package driver

import (
	"slices"
	"time"

	"github.com/basket/conductor/internal/actions"
	"github.com/basket/conductor/internal/pipeline"
)

// MetaKey names an event metadata key a rule reads and the value used when
// the key is absent.
type MetaKey struct {
	Name    string
	Default any
}

// Rule maps (current state, topic) to a target state and an optional action.
type Rule struct {
	Name  string
	From  []pipeline.State
	Topic string
	// To is empty for rules that keep the current state and only drive an action.
	To pipeline.State
	// Gate routes the completion through the integrity gate instead of a
	// direct transition.
	Gate bool
	// Snapshot captures the spec snapshot before the transition.
	Snapshot bool
	Action   actions.Action
	Reads    []MetaKey
	Patch    func(run *pipeline.Run, ev pipeline.Event, now time.Time)
}

// Stays reports whether the rule leaves the state unchanged.
func (r *Rule) Stays() bool { return r.To == "" && !r.Gate }

// Target is the state the run sits in after the rule applies.
func (r *Rule) Target() pipeline.State {
	if r.Gate {
		return pipeline.StateCompleted
	}
	return r.To
}

func failWith(code, key, def string) func(*pipeline.Run, pipeline.Event, time.Time) {
	return func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
		run.ErrorCode = code
		run.Error = ev.Str(key, def)
	}
}

// Rules is the event-to-transition table. Order matters: the first rule
// whose From contains the run state and whose Topic equals the event topic
// wins.
var Rules = []Rule{
	{
		Name:     "allocate",
		From:     []pipeline.State{pipeline.StateAllocated},
		Topic:    pipeline.TopicTaskAllocated,
		To:       pipeline.StateInProgress,
		Snapshot: true,
		Action:   actions.ActionDispatch,
		Reads: []MetaKey{
			{"title", ""}, {"spec_text", ""}, {"domain", ""}, {"paths", []string{}}, {"services", []string{}},
		},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			run.Services = ev.Strings("services")
			run.ChangedPaths = ev.Strings("paths")
		},
	},
	{
		Name:  "build_started",
		From:  []pipeline.State{pipeline.StateInProgress},
		Topic: pipeline.TopicBuildStarted,
		To:    pipeline.StateBuilding,
		Reads: []MetaKey{{"workflow_url", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			run.WorkflowURL = ev.Str("workflow_url", "")
		},
	},
	{
		Name:   "build_completed",
		From:   []pipeline.State{pipeline.StateBuilding},
		Topic:  pipeline.TopicBuildCompleted,
		Action: actions.ActionCreatePR,
	},
	{
		Name:  "build_failed",
		From:  []pipeline.State{pipeline.StateInProgress, pipeline.StateBuilding},
		Topic: pipeline.TopicBuildFailed,
		To:    pipeline.StateFailed,
		Reads: []MetaKey{{"error", "build failed"}},
		Patch: failWith(pipeline.CodeBuildFailed, "error", "build failed"),
	},
	{
		Name:  "pr_created",
		From:  []pipeline.State{pipeline.StateBuilding},
		Topic: pipeline.TopicPRCreated,
		To:    pipeline.StatePRCreated,
		Reads: []MetaKey{{"pr_number", 0}, {"pr_url", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			run.PRNumber = ev.Int("pr_number", 0)
			run.PRURL = ev.Str("pr_url", "")
		},
	},
	{
		Name:   "review_requested",
		From:   []pipeline.State{pipeline.StatePRCreated},
		Topic:  pipeline.TopicReviewRequested,
		To:     pipeline.StateReviewing,
		Action: actions.ActionValidate,
	},
	{
		Name:   "validation_passed",
		From:   []pipeline.State{pipeline.StateReviewing},
		Topic:  pipeline.TopicValidationPassed,
		To:     pipeline.StateValidated,
		Action: actions.ActionMerge,
		Reads:  []MetaKey{{"detail", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, now time.Time) {
			run.ValidatorResult = &pipeline.CheckResult{Passed: true, Detail: ev.Str("detail", ""), CheckedAt: now}
		},
	},
	{
		Name:  "validation_failed",
		From:  []pipeline.State{pipeline.StateReviewing},
		Topic: pipeline.TopicValidationFailed,
		To:    pipeline.StateFailed,
		Reads: []MetaKey{{"detail", "validation failed"}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, now time.Time) {
			detail := ev.Str("detail", "validation failed")
			run.ValidatorResult = &pipeline.CheckResult{Passed: false, Detail: detail, CheckedAt: now}
			run.ErrorCode = pipeline.CodeValidationFailed
			run.Error = detail
		},
	},
	{
		Name:  "merged",
		From:  []pipeline.State{pipeline.StateValidated},
		Topic: pipeline.TopicPRMerged,
		To:    pipeline.StateMerged,
		Reads: []MetaKey{{"merge_sha", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			run.MergeSHA = ev.Str("merge_sha", "")
		},
	},
	{
		Name:  "deploy_started",
		From:  []pipeline.State{pipeline.StateMerged},
		Topic: pipeline.TopicDeployStarted,
		To:    pipeline.StateDeploying,
		Reads: []MetaKey{{"deploy_ref", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			run.DeployRef = ev.Str("deploy_ref", "")
		},
	},
	{
		Name:   "deploy_succeeded",
		From:   []pipeline.State{pipeline.StateDeploying},
		Topic:  pipeline.TopicDeploySucceeded,
		To:     pipeline.StateVerifying,
		Action: actions.ActionVerify,
		Reads:  []MetaKey{{"deploy_ref", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, _ time.Time) {
			if ref := ev.Str("deploy_ref", ""); ref != "" {
				run.DeployRef = ref
			}
		},
	},
	{
		Name:  "deploy_failed",
		From:  []pipeline.State{pipeline.StateDeploying},
		Topic: pipeline.TopicDeployFailed,
		To:    pipeline.StateFailed,
		Reads: []MetaKey{{"error", "deploy failed"}},
		Patch: failWith(pipeline.CodeDeployFailed, "error", "deploy failed"),
	},
	{
		Name:  "verify_passed",
		From:  []pipeline.State{pipeline.StateVerifying},
		Topic: pipeline.TopicVerifyPassed,
		Gate:  true,
		Reads: []MetaKey{{"detail", ""}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, now time.Time) {
			run.VerificationResult = &pipeline.CheckResult{Passed: true, Detail: ev.Str("detail", ""), CheckedAt: now}
		},
	},
	{
		Name:  "verify_failed",
		From:  []pipeline.State{pipeline.StateVerifying},
		Topic: pipeline.TopicVerifyFailed,
		To:    pipeline.StateFailed,
		Reads: []MetaKey{{"detail", "verification failed"}},
		Patch: func(run *pipeline.Run, ev pipeline.Event, now time.Time) {
			detail := ev.Str("detail", "verification failed")
			run.VerificationResult = &pipeline.CheckResult{Passed: false, Detail: detail, CheckedAt: now}
			run.ErrorCode = pipeline.CodeVerifyFailed
			run.Error = detail
		},
	},
	{
		Name:  "lifecycle_completed",
		From:  []pipeline.State{pipeline.StateMerged, pipeline.StateDeploying, pipeline.StateVerifying, pipeline.StateFailed},
		Topic: pipeline.TopicLifecycleCompleted,
		Gate:  true,
	},
	{
		Name:  "cancelled",
		From:  pipeline.ActiveStates,
		Topic: pipeline.TopicTaskCancelled,
		To:    pipeline.StateFailed,
		Reads: []MetaKey{{"reason", "cancelled"}},
		Patch: failWith(pipeline.CodeCancelled, "reason", "cancelled"),
	},
}

var relevantTopics = func() map[string]bool {
	out := make(map[string]bool, len(Rules))
	for _, r := range Rules {
		out[r.Topic] = true
	}
	return out
}()

// Relevant reports whether any rule consumes topic.
func Relevant(topic string) bool {
	return relevantTopics[topic]
}

// Match returns the rule for an event with topic seen by a run in state.
// resume is true when no rule fires from state but the run already sits in
// the target of an action-bearing rule for topic, meaning the transition
// committed and the action still has to run.
func Match(state pipeline.State, topic string) (rule *Rule, resume bool) {
	for i := range Rules {
		r := &Rules[i]
		if r.Topic == topic && slices.Contains(r.From, state) {
			return r, false
		}
	}
	for i := range Rules {
		r := &Rules[i]
		if r.Topic == topic && r.Action != "" && !r.Stays() && r.Target() == state {
			return r, true
		}
	}
	return nil, false
}
