package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_Distinct(t *testing.T) {
	topics := []string{TopicGovernanceChanged, TopicConfigReloaded, TopicRepairCompleted, TopicRetentionPurged}
	seen := make(map[string]bool)
	for _, topic := range topics {
		if topic == "" || !strings.Contains(topic, ".") {
			t.Fatalf("topic %q is not a dotted name", topic)
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestGovernanceChanged_DeliveredByPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("governance.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicGovernanceChanged, GovernanceChanged{Armed: true, Actor: "ops"})
	b.Publish(TopicConfigReloaded, ConfigReloaded{Path: "config.yaml"})

	select {
	case ev := <-sub.Ch():
		change, ok := ev.Payload.(GovernanceChanged)
		if !ok || !change.Armed || change.Actor != "ops" {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for governance change")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("config reload leaked into governance subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
