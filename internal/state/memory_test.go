package state_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/conductor/internal/state"
	"github.com/basket/conductor/internal/state/statetest"
)

func TestMemoryContract(t *testing.T) {
	statetest.Run(t, func(_ *testing.T, clock *statetest.Clock) state.Store {
		return state.NewMemory(clock.Now)
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := state.NewMemory(nil)

	type cursor struct {
		At int64  `json:"at"`
		ID string `json:"id"`
	}
	if _, err := state.SetJSON(ctx, s, "loop:cursor", cursor{At: 5, ID: "e5"}, 0); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got cursor
	_, ok, err := state.GetJSON(ctx, s, "loop:cursor", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if got.At != 5 || got.ID != "e5" {
		t.Fatalf("decoded %+v", got)
	}

	var missing cursor
	if _, ok, err := state.GetJSON(ctx, s, "absent", &missing); ok || err != nil {
		t.Fatalf("GetJSON absent: ok=%v err=%v", ok, err)
	}
}

func TestCompareAndSwapJSON(t *testing.T) {
	ctx := context.Background()
	s := state.NewMemory(nil)

	e, err := state.CompareAndSwapJSON(ctx, s, "locks:table", 0, map[string]int{"a": 1}, 0)
	if err != nil {
		t.Fatalf("initial CAS: %v", err)
	}
	if _, err := state.CompareAndSwapJSON(ctx, s, "locks:table", 0, map[string]int{"a": 2}, 0); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("stale CAS: got %v, want ErrConflict", err)
	}
	if _, err := state.CompareAndSwapJSON(ctx, s, "locks:table", e.Version, map[string]int{"a": 3}, 0); err != nil {
		t.Fatalf("current CAS: %v", err)
	}
	var got map[string]int
	if _, _, err := state.GetJSON(ctx, s, "locks:table", &got); err != nil || got["a"] != 3 {
		t.Fatalf("decoded %v err=%v", got, err)
	}
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	clock := statetest.NewClock(time.Unix(1_700_000_000, 0))
	s := state.NewMemory(clock.Now)
	key := state.TaskLockKey("t1")

	unlock, err := state.TryLock(ctx, s, key, "loop", 30*time.Second)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if _, err := state.TryLock(ctx, s, key, "gate", 30*time.Second); !errors.Is(err, state.ErrLocked) {
		t.Fatalf("contended TryLock: got %v, want ErrLocked", err)
	}
	if _, err := state.TryLock(ctx, s, state.TaskLockKey("t10"), "gate", 30*time.Second); err != nil {
		t.Fatalf("other task: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	relock, err := state.TryLock(ctx, s, key, "gate", 30*time.Second)
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}

	t.Run("expired_holder_is_replaced", func(t *testing.T) {
		clock.Advance(31 * time.Second)
		stolen, err := state.TryLock(ctx, s, key, "loop", 30*time.Second)
		if err != nil {
			t.Fatalf("TryLock after expiry: %v", err)
		}
		if err := relock(); err != nil {
			t.Fatalf("stale unlock: %v", err)
		}
		if e, ok, _ := s.Get(ctx, key); !ok || string(e.Value) != "loop" {
			t.Fatalf("stale unlock removed the new holder: %+v ok=%v", e, ok)
		}
		_ = stolen()
	})
}
