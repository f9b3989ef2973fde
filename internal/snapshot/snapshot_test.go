package snapshot_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/snapshot"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreate_WriteOnceAndVerified(t *testing.T) {
	db := openTestStore(t)
	snaps := snapshot.New(db, nil)
	ctx := context.Background()

	first, err := snaps.Create(ctx, "t1", "Add cache", "cache all the things", "platform", []string{"svc/b", "svc/a", "svc/a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(first.Paths) != 2 || first.Paths[0] != "svc/a" {
		t.Fatalf("paths not normalized: %v", first.Paths)
	}

	again, err := snaps.Create(ctx, "t1", "Add cache", "cache all the things", "platform", []string{"svc/a", "svc/b"})
	if err != nil {
		t.Fatalf("idempotent Create: %v", err)
	}
	if again.Checksum != first.Checksum || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("second create returned a different snapshot: %+v vs %+v", again, first)
	}

	if err := snaps.Enforce(ctx, "t1"); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
}

func TestCreate_ConflictingContentKeepsStoredCopy(t *testing.T) {
	db := openTestStore(t)
	snaps := snapshot.New(db, nil)
	ctx := context.Background()

	if _, err := snaps.Create(ctx, "t1", "Add cache", "v1", "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, err := snaps.Create(ctx, "t1", "Add cache", "v2", "", nil)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if stored == nil || stored.SpecText != "v1" || stored.Checksum != snapshot.Checksum(*stored) {
		t.Fatalf("stored snapshot should be returned unchanged, got %+v", stored)
	}
}

func TestGet_DetectsTampering(t *testing.T) {
	db := openTestStore(t)
	snaps := snapshot.New(db, nil)
	ctx := context.Background()

	if _, err := snaps.Create(ctx, "t1", "Add cache", "original", "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := db.DB().Exec(`UPDATE snapshots SET spec_text = 'edited' WHERE task_id = 't1';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := snaps.Get(ctx, "t1"); !errors.Is(err, snapshot.ErrIntegrity) {
		t.Fatalf("Get after tamper: got %v, want ErrIntegrity", err)
	}
	if err := snaps.Enforce(ctx, "t1"); !errors.Is(err, snapshot.ErrIntegrity) {
		t.Fatalf("Enforce after tamper: got %v", err)
	}
}

func TestEnforce_Missing(t *testing.T) {
	snaps := snapshot.New(openTestStore(t), nil)
	err := snaps.Enforce(context.Background(), "nope")
	if !errors.Is(err, snapshot.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("ErrMissing should wrap pipeline.ErrNotFound")
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	a := pipeline.Snapshot{TaskID: "t", Title: "x", Paths: []string{"b", "a"}}
	b := pipeline.Snapshot{TaskID: "t", Title: "x", Paths: []string{"a", "b"}}
	if snapshot.Checksum(a) != snapshot.Checksum(b) {
		t.Fatal("path order should not affect checksum")
	}
	b.Title = "y"
	if snapshot.Checksum(a) == snapshot.Checksum(b) {
		t.Fatal("title change should change checksum")
	}
}
