package shared

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestScope_Accessors(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "-" || TaskID(ctx) != "" || EventID(ctx) != "" || Actor(ctx) != DefaultActor {
		t.Fatalf("bare context: trace=%q task=%q event=%q actor=%q", TraceID(ctx), TaskID(ctx), EventID(ctx), Actor(ctx))
	}

	ctx = WithTraceID(ctx, "tr-1")
	ctx = WithTaskID(ctx, "PAY-12")
	child := WithEventID(WithActor(ctx, "api"), "evt-3")

	if got := ScopeFrom(child); got != (Scope{TraceID: "tr-1", TaskID: "PAY-12", EventID: "evt-3", Actor: "api"}) {
		t.Fatalf("child scope = %+v", got)
	}
	if got := ScopeFrom(ctx); got.EventID != "" || got.Actor != "" {
		t.Fatalf("child values leaked into parent: %+v", got)
	}
}

func TestScope_TraceIDFallsBackToSpan(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	if got := TraceID(ctx); got != tid.String() {
		t.Fatalf("TraceID = %q, want span trace id", got)
	}
	if got := TraceID(WithTraceID(ctx, "explicit")); got != "explicit" {
		t.Fatalf("explicit trace id should win, got %q", got)
	}
}

func TestScope_LogArgsSkipsEmpty(t *testing.T) {
	got := Scope{TraceID: "t", EventID: "e"}.LogArgs()
	want := []any{"trace_id", "t", "event_id", "e"}
	if !slices.Equal(got, want) {
		t.Fatalf("LogArgs = %v, want %v", got, want)
	}
	if args := (Scope{}).LogArgs(); len(args) != 0 {
		t.Fatalf("empty scope rendered %v", args)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if a, b := NewTraceID(), NewTraceID(); a == b || a == "" {
		t.Fatalf("trace ids %q and %q", a, b)
	}
}
