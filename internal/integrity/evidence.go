package integrity

import (
	"slices"
	"strings"

	"github.com/basket/conductor/internal/pipeline"
)

// Stage is one piece of pipeline evidence required for a success outcome.
type Stage string

const (
	StagePRCreated       Stage = "PR_CREATED"
	StageMerged          Stage = "MERGED"
	StageValidatorPassed Stage = "VALIDATOR_PASSED"
	StageDeploySuccess   Stage = "DEPLOY_SUCCESS"
)

// RequiredStages is the full evidence set, in reporting order.
var RequiredStages = []Stage{StagePRCreated, StageMerged, StageValidatorPassed, StageDeploySuccess}

// Evidence maps each satisfied stage to where it was found.
type Evidence struct {
	Stages   map[Stage]string `json:"stages"`
	Shortcut bool             `json:"shortcut,omitempty"`
}

// Missing lists the unsatisfied stages in RequiredStages order.
func (e Evidence) Missing() []Stage {
	if e.Shortcut {
		return nil
	}
	var out []Stage
	for _, st := range RequiredStages {
		if _, ok := e.Stages[st]; !ok {
			out = append(out, st)
		}
	}
	return out
}

// Complete reports whether e allows a success outcome.
func (e Evidence) Complete() bool { return len(e.Missing()) == 0 }

var strictTopics = map[string]Stage{
	pipeline.TopicPRCreated:        StagePRCreated,
	pipeline.TopicPRMerged:         StageMerged,
	pipeline.TopicValidationPassed: StageValidatorPassed,
	pipeline.TopicDeploySucceeded:  StageDeploySuccess,
}

// looseStage matches the historical topic spellings emitted by CI and VCS
// webhooks, such as "merged", "pull_request.opened" or "deploy.success".
func looseStage(topic string) (Stage, bool) {
	t := strings.ToLower(topic)
	switch {
	case strings.Contains(t, "pr.created"), strings.Contains(t, "pr_created"),
		strings.Contains(t, "pull_request.opened"):
		return StagePRCreated, true
	case strings.Contains(t, "merged") && !strings.Contains(t, "unmerged"):
		return StageMerged, true
	case strings.Contains(t, "validation.passed"), strings.Contains(t, "validator.passed"),
		strings.Contains(t, "validation_passed"):
		return StageValidatorPassed, true
	case strings.Contains(t, "deploy") &&
		(strings.Contains(t, "succeeded") || strings.Contains(t, "success")):
		return StageDeploySuccess, true
	}
	return "", false
}

// Collect gathers evidence from the run's ledger fields and its event
// history. strict limits event matching to the canonical topics.
func Collect(run *pipeline.Run, events []pipeline.Event, strict bool) Evidence {
	ev := Evidence{Stages: map[Stage]string{}}
	if run != nil {
		if run.PRNumber > 0 || run.PRURL != "" {
			ev.Stages[StagePRCreated] = "ledger"
		}
		if run.MergeSHA != "" {
			ev.Stages[StageMerged] = "ledger"
		}
		if run.ValidatorResult != nil && run.ValidatorResult.Passed {
			ev.Stages[StageValidatorPassed] = "ledger"
		}
	}
	for _, e := range events {
		if e.Topic == pipeline.TopicLifecycleCompleted {
			ev.Shortcut = true
			continue
		}
		var (
			st Stage
			ok bool
		)
		if strict {
			st, ok = strictTopics[e.Topic]
		} else {
			st, ok = looseStage(e.Topic)
		}
		if !ok {
			continue
		}
		if _, seen := ev.Stages[st]; !seen {
			ev.Stages[st] = "event:" + e.Topic
		}
	}
	return ev
}

func stageStrings(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return slices.Clip(out)
}
