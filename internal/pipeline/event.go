package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Canonical lifecycle topics consumed by the event loop.
const (
	TopicTaskAllocated      = "task.allocated"
	TopicBuildStarted       = "build.started"
	TopicBuildCompleted     = "build.completed"
	TopicBuildFailed        = "build.failed"
	TopicPRCreated          = "pr.created"
	TopicReviewRequested    = "review.requested"
	TopicValidationPassed   = "validation.passed"
	TopicValidationFailed   = "validation.failed"
	TopicPRMerged           = "pr.merged"
	TopicDeployStarted      = "deploy.started"
	TopicDeploySucceeded    = "deploy.succeeded"
	TopicDeployFailed       = "deploy.failed"
	TopicVerifyPassed       = "verify.passed"
	TopicVerifyFailed       = "verify.failed"
	TopicTaskCancelled      = "task.cancelled"
	TopicLifecycleCompleted = "lifecycle.completed"
)

// Audit topics written by the core itself. The loop never acts on them.
const (
	TopicTransition          = "pipeline.transition"
	TopicRunUpdated          = "pipeline.updated"
	TopicLockRequested       = "lock.acquire_requested"
	TopicLockGranted         = "lock.granted"
	TopicLockBlocked         = "lock.blocked"
	TopicLockReleased        = "lock.released"
	TopicCursorReset         = "loop.cursor_reset"
	TopicGovernanceChanged   = "loop.governance_changed"
	TopicActionAttempt       = "action.attempt"
	TopicTerminalizeRejected = "gate.terminalize_rejected"
)

// Event is the envelope stored in the event log.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id,omitempty"`
	Topic     string         `json:"topic"`
	Status    string         `json:"status,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventFilter narrows an event-log query. Zero fields match everything.
type EventFilter struct {
	TaskID      string
	TopicPrefix string
	Since       time.Time
	Limit       int
}

// Str reads a string metadata key, returning def when absent or empty.
func (e Event) Str(key, def string) string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return def
		}
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return def
}

// Int reads an integer metadata key. JSON numbers and numeric strings are accepted.
func (e Event) Int(key string, def int) int {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool reads a boolean metadata key. "true"/"false" strings are accepted.
func (e Event) Bool(key string, def bool) bool {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Strings reads a list metadata key. A comma-separated string is split.
func (e Event) Strings(key string) []string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(t, ",")
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}
