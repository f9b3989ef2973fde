package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("state: lock held")

// TaskLockKey is the per-task advisory lock taken around every run mutation.
func TaskLockKey(taskID string) string {
	return "advisory:task:" + taskID
}

// TryLock takes key for owner until ttl elapses. It returns ErrLocked while
// another holder's entry is live. unlock removes only the version it wrote,
// so a lock that expired and was retaken elsewhere is left alone.
func TryLock(ctx context.Context, s Store, key, owner string, ttl time.Duration) (unlock func() error, err error) {
	e, err := s.CompareAndSwap(ctx, key, 0, []byte(owner), ttl)
	if errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() error {
		err := s.CompareAndDelete(context.WithoutCancel(ctx), key, e.Version)
		if errors.Is(err, ErrConflict) {
			return nil
		}
		return err
	}, nil
}
