// Package snapshot keeps the write-once, checksummed copy of each task's
// specification taken at allocation.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/basket/conductor/internal/pipeline"
)

var (
	// ErrIntegrity reports a stored snapshot whose content no longer matches
	// its checksum.
	ErrIntegrity = errors.New("snapshot integrity violation")
	// ErrMissing reports a task with no snapshot. It wraps pipeline.ErrNotFound.
	ErrMissing = fmt.Errorf("snapshot missing: %w", pipeline.ErrNotFound)
)

// Backend persists snapshot rows. persistence.Store satisfies it.
type Backend interface {
	InsertSnapshot(ctx context.Context, snap pipeline.Snapshot) (bool, error)
	LoadSnapshot(ctx context.Context, taskID string) (*pipeline.Snapshot, error)
}

type Store struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// Checksum returns the hex sha256 of the snapshot's canonical content.
func Checksum(snap pipeline.Snapshot) string {
	canonical := struct {
		TaskID   string   `json:"task_id"`
		Title    string   `json:"title"`
		SpecText string   `json:"spec_text"`
		Domain   string   `json:"domain"`
		Paths    []string `json:"paths"`
	}{snap.TaskID, snap.Title, snap.SpecText, snap.Domain, normalizePaths(snap.Paths)}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Create stores the snapshot for taskID once. A later call returns the
// verified stored copy unchanged, even when the requested content differs.
// ErrIntegrity is returned only when the stored copy fails verification.
func (s *Store) Create(ctx context.Context, taskID, title, specText, domain string, paths []string) (*pipeline.Snapshot, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("snapshot: task id required")
	}
	snap := pipeline.Snapshot{
		TaskID:   taskID,
		Title:    title,
		SpecText: specText,
		Domain:   domain,
		Paths:    normalizePaths(paths),
	}
	snap.Checksum = Checksum(snap)

	created, err := s.backend.InsertSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", taskID, err)
	}
	stored, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("spec snapshot created", "task_id", taskID, "checksum", stored.Checksum)
		return stored, nil
	}
	if stored.Checksum != snap.Checksum {
		s.logger.Warn("spec snapshot request differs from stored copy; keeping stored", "task_id", taskID,
			"stored_checksum", stored.Checksum, "requested_checksum", snap.Checksum)
	}
	return stored, nil
}

// Get loads the snapshot and re-verifies its checksum.
func (s *Store) Get(ctx context.Context, taskID string) (*pipeline.Snapshot, error) {
	snap, err := s.backend.LoadSnapshot(ctx, taskID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrMissing)
	}
	if err != nil {
		return nil, err
	}
	if got := Checksum(*snap); got != snap.Checksum {
		s.logger.Error("spec snapshot checksum mismatch", "task_id", taskID,
			"stored_checksum", snap.Checksum, "computed_checksum", got)
		return nil, fmt.Errorf("%w: task %s checksum mismatch", ErrIntegrity, taskID)
	}
	return snap, nil
}

// Enforce succeeds only when taskID has a checksum-valid snapshot.
func (s *Store) Enforce(ctx context.Context, taskID string) error {
	_, err := s.Get(ctx, taskID)
	return err
}
