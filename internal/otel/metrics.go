package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry.
type Metrics struct {
	LoopIterations    metric.Int64Counter
	LoopEvents        metric.Int64Counter
	IterationDuration metric.Float64Histogram
	Transitions       metric.Int64Counter
	Actions           metric.Int64Counter
	LockDecisions     metric.Int64Counter
	GateRejections    metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LoopIterations, err = meter.Int64Counter("conductor.loop.iterations",
		metric.WithDescription("Event loop iterations run"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopEvents, err = meter.Int64Counter("conductor.loop.events",
		metric.WithDescription("Events consumed by the loop, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationDuration, err = meter.Float64Histogram("conductor.loop.iteration.duration",
		metric.WithDescription("Event loop iteration duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("conductor.transitions",
		metric.WithDescription("Accepted run state transitions, by target state"),
	)
	if err != nil {
		return nil, err
	}

	m.Actions, err = meter.Int64Counter("conductor.actions",
		metric.WithDescription("Action attempts, by action and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.LockDecisions, err = meter.Int64Counter("conductor.lock.decisions",
		metric.WithDescription("Lock manager decisions, by decision"),
	)
	if err != nil {
		return nil, err
	}

	m.GateRejections, err = meter.Int64Counter("conductor.gate.rejections",
		metric.WithDescription("Terminalize requests rejected for missing evidence"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("conductor.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("conductor.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Iteration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.LoopIterations.Add(ctx, 1)
	m.IterationDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) Event(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.LoopEvents.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) Transition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(AttrState.String(to)))
}

func (m *Metrics) Action(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(outcome)))
}

func (m *Metrics) LockDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.LockDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) GateRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.GateRejections.Add(ctx, 1)
}

func (m *Metrics) Request(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
