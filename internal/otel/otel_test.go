package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func initRecording(t *testing.T, cfg Config) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	cfg.Enabled = true
	p, err := Init(context.Background(), cfg, WithSpanExporter(exp), WithVersion("v9.9.9"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func flushed(t *testing.T, p *Provider, exp *tracetest.InMemoryExporter) tracetest.SpanStubs {
	t.Helper()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return exp.GetSpans()
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "bogus"})
	if err != nil {
		t.Fatalf("disabled config must not be validated: %v", err)
	}
	if p.Enabled() || p.InstanceID != "" {
		t.Fatalf("disabled provider reports enabled: %+v", p)
	}
	_, span := p.Tracer.Start(context.Background(), "loop.iteration")
	if span.IsRecording() {
		t.Fatal("noop tracer span is recording")
	}
	span.End()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_RejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"otlp", Config{Exporter: ExporterOTLPHTTP, SampleRate: 0.25}, false},
		{"stdout", Config{Exporter: ExporterStdout}, false},
		{"unknown_exporter", Config{Exporter: "jaeger"}, true},
		{"negative_rate", Config{SampleRate: -0.1}, true},
		{"rate_above_one", Config{SampleRate: 1.5}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestInit_NoneExporterStillTraces(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "gate.terminalize")
	defer span.End()
	if !span.SpanContext().TraceID().IsValid() {
		t.Fatal("expected a valid trace id with the discard exporter")
	}
}

func TestInit_OTLPExporterBuildsWithoutCollector(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: ExporterOTLPHTTP,
		Endpoint: "127.0.0.1:4318",
		Headers:  map[string]string{"x-api-key": "k"},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if !p.Enabled() {
		t.Fatal("expected enabled provider")
	}
}

func TestInit_ResourceCarriesServiceIdentity(t *testing.T) {
	p, exp := initRecording(t, Config{ServiceName: "conductor-test"})
	if p.InstanceID == "" {
		t.Fatal("expected an instance id")
	}

	_, span := p.Tracer.Start(context.Background(), "loop.event")
	span.End()

	spans := flushed(t, p, exp)
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:       "conductor-test",
		semconv.ServiceVersionKey:    "v9.9.9",
		semconv.ServiceInstanceIDKey: p.InstanceID,
	}
	for _, kv := range spans[0].Resource.Attributes() {
		if v, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != v {
				t.Fatalf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Fatalf("resource missing %v", want)
	}
}

func TestSpanHelpers_KindsAndAttributes(t *testing.T) {
	p, exp := initRecording(t, Config{})
	ctx := context.Background()

	_, s1 := StartSpan(ctx, p.Tracer, "loop.event", AttrTaskID.String("t1"), AttrTopic.String("pr.merged"))
	s1.End()
	_, s2 := StartServerSpan(ctx, p.Tracer, "GET /api/status")
	s2.End()
	_, s3 := StartClientSpan(ctx, p.Tracer, "action.merge", AttrAction.String("merge"))
	s3.End()

	spans := flushed(t, p, exp)
	kinds := map[string]trace.SpanKind{}
	for _, s := range spans {
		kinds[s.Name] = s.SpanKind
	}
	if kinds["loop.event"] != trace.SpanKindInternal ||
		kinds["GET /api/status"] != trace.SpanKindServer ||
		kinds["action.merge"] != trace.SpanKindClient {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	var taskID string
	for _, s := range spans {
		if s.Name != "loop.event" {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == AttrTaskID {
				taskID = kv.Value.AsString()
			}
		}
	}
	if taskID != "t1" {
		t.Fatalf("task id attribute = %q, want t1", taskID)
	}
}

func TestSpanHelpers_NilTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), nil, "loop.iteration")
	if span.IsRecording() {
		t.Fatal("nil tracer must yield a non-recording span")
	}
	span.End()
}

func TestEnd_MarksFailures(t *testing.T) {
	p, exp := initRecording(t, Config{})
	_, ok := StartClientSpan(context.Background(), p.Tracer, "action.dispatch")
	End(ok, nil)
	_, failed := StartClientSpan(context.Background(), p.Tracer, "action.merge")
	End(failed, errors.New("merge conflict"))

	status := map[string]codes.Code{}
	for _, s := range flushed(t, p, exp) {
		status[s.Name] = s.Status.Code
	}
	if status["action.dispatch"] != codes.Unset || status["action.merge"] != codes.Error {
		t.Fatalf("unexpected statuses: %v", status)
	}
}
