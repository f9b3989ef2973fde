package shared

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// DefaultActor is reported when nothing on the context names who acted.
const DefaultActor = "conductor"

// Scope is the correlation carried by a request or a loop iteration down to
// the logs, the audit trail and the event metadata it produces.
type Scope struct {
	TraceID string
	TaskID  string
	EventID string
	Actor   string
}

type scopeKey struct{}

// ScopeFrom returns the scope on ctx. A missing trace id falls back to the
// active OTel span's trace id when one is recording.
func ScopeFrom(ctx context.Context) Scope {
	sc, _ := ctx.Value(scopeKey{}).(Scope)
	if sc.TraceID == "" {
		if span := trace.SpanContextFromContext(ctx); span.HasTraceID() {
			sc.TraceID = span.TraceID().String()
		}
	}
	return sc
}

// LogArgs renders the non-empty fields as slog key/value pairs.
func (s Scope) LogArgs() []any {
	var args []any
	for _, kv := range [...][2]string{
		{"trace_id", s.TraceID},
		{"task_id", s.TaskID},
		{"event_id", s.EventID},
		{"actor", s.Actor},
	} {
		if kv[1] != "" {
			args = append(args, kv[0], kv[1])
		}
	}
	return args
}

func with(ctx context.Context, set func(*Scope)) context.Context {
	sc, _ := ctx.Value(scopeKey{}).(Scope)
	set(&sc)
	return context.WithValue(ctx, scopeKey{}, sc)
}

func NewTraceID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return with(ctx, func(s *Scope) { s.TraceID = id })
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return with(ctx, func(s *Scope) { s.TaskID = id })
}

// WithEventID records the log event being processed.
func WithEventID(ctx context.Context, id string) context.Context {
	return with(ctx, func(s *Scope) { s.EventID = id })
}

// WithActor records who is driving the change: the loop, the api, cron.
func WithActor(ctx context.Context, actor string) context.Context {
	return with(ctx, func(s *Scope) { s.Actor = actor })
}

// TraceID is "-" when neither the scope nor a span carries one.
func TraceID(ctx context.Context) string {
	if id := ScopeFrom(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

func TaskID(ctx context.Context) string { return ScopeFrom(ctx).TaskID }

func EventID(ctx context.Context) string { return ScopeFrom(ctx).EventID }

// Actor falls back to DefaultActor.
func Actor(ctx context.Context) string {
	if a := ScopeFrom(ctx).Actor; a != "" {
		return a
	}
	return DefaultActor
}
