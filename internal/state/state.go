// Package state defines the versioned key/value store shared by the lock
// manager, the event loop and the action runner. Cursor, lock table,
// governance switch and backoff markers all live behind this interface.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned when a compare-and-swap observes a different version.
var ErrConflict = errors.New("state: version conflict")

// Entry is one stored value. Version 0 means the key is absent or expired.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry carries a TTL that has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a versioned key/value store. Versions are monotonic across the
// whole store so a deleted-then-recreated key never reuses an old version.
// A ttl of zero stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)
	// CompareAndSwap writes value only if the key's current version equals
	// expected. Expected 0 succeeds when the key is absent or expired.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (Entry, error)
	// CompareAndDelete removes the key only if its version equals expected.
	CompareAndDelete(ctx context.Context, key string, expected int64) error
	Delete(ctx context.Context, key string) error
	// List returns live entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// GetJSON decodes the value stored under key into dst. It reports false when
// the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (Entry, bool, error) {
	e, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return e, ok, err
	}
	if err := json.Unmarshal(e.Value, dst); err != nil {
		return e, false, fmt.Errorf("decode state %q: %w", key, err)
	}
	return e, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) (Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode state %q: %w", key, err)
	}
	return s.Set(ctx, key, b, ttl)
}

// CompareAndSwapJSON encodes v and swaps it in when key is at version expected.
func CompareAndSwapJSON(ctx context.Context, s Store, key string, expected int64, v any, ttl time.Duration) (Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode state %q: %w", key, err)
	}
	return s.CompareAndSwap(ctx, key, expected, b, ttl)
}
