package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/state"
)

// KeyArmed holds the persisted governance switch.
const KeyArmed = "governance:armed"

// Governance is the execution-armed switch. While disarmed the loop reads
// events and moves its cursor but executes nothing.
type Governance struct {
	store    state.Store
	trail    Trail
	bus      *bus.Bus
	logger   *slog.Logger
	fallback bool
}

// Trail appends to the event log.
type Trail interface {
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
}

// NewGovernance returns a switch backed by store. fallback is used until
// the switch has been set once.
func NewGovernance(store state.Store, trail Trail, b *bus.Bus, logger *slog.Logger, fallback bool) *Governance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governance{store: store, trail: trail, bus: b, logger: logger, fallback: fallback}
}

func (g *Governance) Armed(ctx context.Context) (bool, error) {
	var armed bool
	_, ok, err := state.GetJSON(ctx, g.store, KeyArmed, &armed)
	if err != nil {
		return false, fmt.Errorf("read governance: %w", err)
	}
	if !ok {
		return g.fallback, nil
	}
	return armed, nil
}

// SetArmed persists the switch and reports whether the effective value
// changed. Re-setting a persisted value writes nothing.
func (g *Governance) SetArmed(ctx context.Context, armed bool, actor, reason string) (bool, error) {
	cur, err := g.Armed(ctx)
	if err != nil {
		return false, err
	}
	var stored bool
	_, present, err := state.GetJSON(ctx, g.store, KeyArmed, &stored)
	if err != nil {
		return false, fmt.Errorf("read governance: %w", err)
	}
	if present && cur == armed {
		return false, nil
	}
	if _, err := state.SetJSON(ctx, g.store, KeyArmed, armed, 0); err != nil {
		return false, fmt.Errorf("write governance: %w", err)
	}
	if actor == "" {
		actor = "operator"
	}
	change := bus.GovernanceChanged{Armed: armed, Actor: actor, Reason: reason}
	if g.trail != nil {
		if _, err := g.trail.AppendEvent(ctx, pipeline.Event{
			Topic:    pipeline.TopicGovernanceChanged,
			Status:   armedLabel(armed),
			Metadata: map[string]any{"armed": armed, "actor": actor, "reason": reason},
		}); err != nil {
			g.logger.Warn("governance trail append failed", "error", err)
		}
	}
	audit.Record(audit.Entry{
		Kind:     audit.KindGovernance,
		Decision: audit.DecisionRecord,
		Subject:  armedLabel(armed),
		Reason:   reason,
		Detail:   "actor=" + actor,
	})
	if g.bus != nil {
		g.bus.Publish(bus.TopicGovernanceChanged, change)
	}
	g.logger.Info("governance changed", "armed", armed, "actor", actor, "reason", reason)
	return cur != armed, nil
}

func armedLabel(armed bool) string {
	if armed {
		return "armed"
	}
	return "disarmed"
}
