// Package statetest holds the behavioural contract every state.Store must meet.
package statetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/conductor/internal/state"
)

// Clock is a manually advanced clock for TTL tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh store driven by the given clock.
type Factory func(t *testing.T, clock *Clock) state.Store

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("get_missing", func(t *testing.T) {
		s := newStore(t, NewClock(time.Unix(1_700_000_000, 0)))
		if _, ok, err := s.Get(ctx, "nope"); err != nil || ok {
			t.Fatalf("Get missing: ok=%v err=%v", ok, err)
		}
	})

	t.Run("set_then_get", func(t *testing.T) {
		s := newStore(t, NewClock(time.Unix(1_700_000_000, 0)))
		e, err := s.Set(ctx, "k", []byte("v1"), 0)
		if err != nil {
			t.Fatalf("Set: %v", err)
		}
		if e.Version <= 0 {
			t.Fatalf("expected positive version, got %d", e.Version)
		}
		got, ok, err := s.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if string(got.Value) != "v1" || got.Version != e.Version {
			t.Fatalf("Get = %+v, want value v1 version %d", got, e.Version)
		}
	})

	t.Run("cas_requires_current_version", func(t *testing.T) {
		s := newStore(t, NewClock(time.Unix(1_700_000_000, 0)))
		first, err := s.CompareAndSwap(ctx, "k", 0, []byte("a"), 0)
		if err != nil {
			t.Fatalf("CAS create: %v", err)
		}
		if _, err := s.CompareAndSwap(ctx, "k", 0, []byte("b"), 0); !errors.Is(err, state.ErrConflict) {
			t.Fatalf("CAS with stale version: got %v, want ErrConflict", err)
		}
		second, err := s.CompareAndSwap(ctx, "k", first.Version, []byte("c"), 0)
		if err != nil {
			t.Fatalf("CAS update: %v", err)
		}
		if second.Version <= first.Version {
			t.Fatalf("version did not advance: %d -> %d", first.Version, second.Version)
		}
		got, _, _ := s.Get(ctx, "k")
		if string(got.Value) != "c" {
			t.Fatalf("value = %q, want c", got.Value)
		}
	})

	t.Run("versions_never_reused_after_delete", func(t *testing.T) {
		s := newStore(t, NewClock(time.Unix(1_700_000_000, 0)))
		first, _ := s.Set(ctx, "k", []byte("a"), 0)
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		again, _ := s.Set(ctx, "k", []byte("b"), 0)
		if again.Version == first.Version {
			t.Fatalf("version %d reused after delete", again.Version)
		}
		if _, err := s.CompareAndSwap(ctx, "k", first.Version, []byte("x"), 0); !errors.Is(err, state.ErrConflict) {
			t.Fatalf("CAS with pre-delete version: got %v, want ErrConflict", err)
		}
	})

	t.Run("ttl_expiry", func(t *testing.T) {
		clock := NewClock(time.Unix(1_700_000_000, 0))
		s := newStore(t, clock)
		if _, err := s.Set(ctx, "lease", []byte("owner"), 30*time.Second); err != nil {
			t.Fatalf("Set: %v", err)
		}
		clock.Advance(29 * time.Second)
		if _, ok, _ := s.Get(ctx, "lease"); !ok {
			t.Fatal("entry expired early")
		}
		clock.Advance(2 * time.Second)
		if _, ok, _ := s.Get(ctx, "lease"); ok {
			t.Fatal("entry survived its TTL")
		}
		if _, err := s.CompareAndSwap(ctx, "lease", 0, []byte("next"), time.Minute); err != nil {
			t.Fatalf("CAS over expired entry: %v", err)
		}
	})

	t.Run("compare_and_delete", func(t *testing.T) {
		s := newStore(t, NewClock(time.Unix(1_700_000_000, 0)))
		e, _ := s.Set(ctx, "k", []byte("a"), 0)
		if err := s.CompareAndDelete(ctx, "k", e.Version+100); !errors.Is(err, state.ErrConflict) {
			t.Fatalf("CompareAndDelete wrong version: got %v", err)
		}
		if err := s.CompareAndDelete(ctx, "k", e.Version); err != nil {
			t.Fatalf("CompareAndDelete: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "k"); ok {
			t.Fatal("key still present")
		}
	})

	t.Run("list_prefix_sorted", func(t *testing.T) {
		clock := NewClock(time.Unix(1_700_000_000, 0))
		s := newStore(t, clock)
		_, _ = s.Set(ctx, "action:b", []byte("2"), 0)
		_, _ = s.Set(ctx, "action:a", []byte("1"), 0)
		_, _ = s.Set(ctx, "action:c", []byte("3"), time.Second)
		_, _ = s.Set(ctx, "other", []byte("x"), 0)
		clock.Advance(2 * time.Second)
		got, err := s.List(ctx, "action:")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 || got[0].Key != "action:a" || got[1].Key != "action:b" {
			t.Fatalf("List = %+v", got)
		}
	})
}
